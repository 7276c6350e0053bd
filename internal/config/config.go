// Package config resolves server settings from defaults, an optional TOML
// file and ARENA_* environment overrides, in that order.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"arena/server/internal/coordinator"
	"arena/server/internal/history"
	"arena/server/internal/net/ws"
	"arena/server/internal/reliable"
	"arena/server/internal/telemetry"
)

type Config struct {
	Addr     string
	ServerID string

	LogLevel    string
	LogSinks    []string
	LogJSONPath string
	LogColor    bool

	TickRate         int
	SweepInterval    time.Duration
	MetricsInterval  time.Duration
	AckTimeout       time.Duration
	MaxRetries       int
	HistoryRetention time.Duration
	ChatCooldown     time.Duration
	ChatMaxLength    int

	OutboxSize   int
	WriteTimeout time.Duration

	EnableMetrics bool
	EnablePprof   bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:             ":8080",
		ServerID:         "arena",
		LogLevel:         "info",
		LogSinks:         []string{"console"},
		LogColor:         true,
		TickRate:         coordinator.DefaultTickRate,
		SweepInterval:    coordinator.DefaultSweepInterval,
		MetricsInterval:  coordinator.DefaultMetricsInterval,
		AckTimeout:       reliable.DefaultAckTimeout,
		MaxRetries:       reliable.DefaultMaxRetries,
		HistoryRetention: history.DefaultRetention,
		ChatCooldown:     coordinator.DefaultChatCooldown,
		ChatMaxLength:    coordinator.DefaultChatMaxLength,
		OutboxSize:       ws.DefaultOutboxSize,
		WriteTimeout:     ws.DefaultWriteTimeout,
		EnableMetrics:    true,
	}
}

// Coordinator converts the settings into the coordinator configuration.
func (c Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		ServerID:         c.ServerID,
		TickRate:         c.TickRate,
		SweepInterval:    c.SweepInterval,
		MetricsInterval:  c.MetricsInterval,
		ChatCooldown:     c.ChatCooldown,
		ChatMaxLength:    c.ChatMaxLength,
		HistoryRetention: c.HistoryRetention,
		Reliable: reliable.Config{
			AckTimeout: c.AckTimeout,
			MaxRetries: c.MaxRetries,
		},
	}
}

type fileConfig struct {
	Addr             string   `toml:"addr"`
	ServerID         string   `toml:"server_id"`
	LogLevel         string   `toml:"log_level"`
	LogSinks         []string `toml:"log_sinks"`
	LogJSONPath      string   `toml:"log_json_path"`
	LogColor         bool     `toml:"log_color"`
	TickRate         int      `toml:"tick_rate"`
	SweepInterval    string   `toml:"sweep_interval"`
	MetricsInterval  string   `toml:"metrics_interval"`
	AckTimeout       string   `toml:"ack_timeout"`
	MaxRetries       int      `toml:"max_retries"`
	HistoryRetention string   `toml:"history_retention"`
	ChatCooldown     string   `toml:"chat_cooldown"`
	ChatMaxLength    int      `toml:"chat_max_length"`
	OutboxSize       int      `toml:"outbox_size"`
	WriteTimeout     string   `toml:"write_timeout"`
	EnableMetrics    bool     `toml:"enable_metrics"`
	EnablePprof      bool     `toml:"enable_pprof"`
}

// Load resolves the configuration. path may be empty to skip the file. Env
// values that fail to parse are logged and ignored.
func Load(path string, getenv func(string) string, logger telemetry.Logger) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if getenv != nil {
		applyEnv(&cfg, getenv, logger)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("server_id") {
		if id := strings.TrimSpace(raw.ServerID); id != "" {
			cfg.ServerID = id
		}
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_sinks") {
		cfg.LogSinks = normalizeList(raw.LogSinks)
	}
	if meta.IsDefined("log_json_path") {
		cfg.LogJSONPath = strings.TrimSpace(raw.LogJSONPath)
	}
	if meta.IsDefined("log_color") {
		cfg.LogColor = raw.LogColor
	}
	if meta.IsDefined("tick_rate") {
		cfg.TickRate = raw.TickRate
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("chat_max_length") {
		cfg.ChatMaxLength = raw.ChatMaxLength
	}
	if meta.IsDefined("outbox_size") {
		cfg.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("enable_metrics") {
		cfg.EnableMetrics = raw.EnableMetrics
	}
	if meta.IsDefined("enable_pprof") {
		cfg.EnablePprof = raw.EnablePprof
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"sweep_interval", raw.SweepInterval, &cfg.SweepInterval},
		{"metrics_interval", raw.MetricsInterval, &cfg.MetricsInterval},
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"history_retention", raw.HistoryRetention, &cfg.HistoryRetention},
		{"chat_cooldown", raw.ChatCooldown, &cfg.ChatCooldown},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string, logger telemetry.Logger) {
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}

	if raw := getenv("ARENA_ADDR"); raw != "" {
		cfg.Addr = raw
	}
	if raw := getenv("ARENA_SERVER_ID"); raw != "" {
		cfg.ServerID = raw
	}
	if raw := getenv("ARENA_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := getenv("ARENA_LOG_SINKS"); raw != "" {
		cfg.LogSinks = normalizeList(strings.Split(raw, ","))
	}
	if raw := getenv("ARENA_LOG_JSON_PATH"); raw != "" {
		cfg.LogJSONPath = raw
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ARENA_TICK_RATE", &cfg.TickRate},
		{"ARENA_MAX_RETRIES", &cfg.MaxRetries},
		{"ARENA_CHAT_MAX_LENGTH", &cfg.ChatMaxLength},
		{"ARENA_OUTBOX_SIZE", &cfg.OutboxSize},
	}
	for _, entry := range ints {
		raw := getenv(entry.key)
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", entry.key, raw, err)
			continue
		}
		*entry.dst = value
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ARENA_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"ARENA_METRICS_INTERVAL", &cfg.MetricsInterval},
		{"ARENA_ACK_TIMEOUT", &cfg.AckTimeout},
		{"ARENA_HISTORY_RETENTION", &cfg.HistoryRetention},
		{"ARENA_CHAT_COOLDOWN", &cfg.ChatCooldown},
		{"ARENA_WRITE_TIMEOUT", &cfg.WriteTimeout},
	}
	for _, entry := range durations {
		raw := getenv(entry.key)
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", entry.key, raw, err)
			continue
		}
		*entry.dst = value
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"ARENA_LOG_COLOR", &cfg.LogColor},
		{"ARENA_ENABLE_METRICS", &cfg.EnableMetrics},
		{"ARENA_ENABLE_PPROF", &cfg.EnablePprof},
	}
	for _, entry := range bools {
		raw := getenv(entry.key)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			logger.Printf("invalid %s=%q: %v", entry.key, raw, err)
			continue
		}
		*entry.dst = value
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		v := strings.TrimSpace(item)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
