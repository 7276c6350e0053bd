package logging

import "time"

// Config controls event routing. Sinks are constructed by the caller; the
// router only needs their names.
type Config struct {
	EnabledSinks    []string
	BufferSize      int
	MinimumSeverity Severity
	Fields          map[string]any
	JSON            JSONConfig
	Console         ConsoleConfig
	// DropWarnInterval rate-limits the fallback warning about dropped events.
	DropWarnInterval time.Duration
	// OverflowWait is how long warn and error events wait for queue space
	// before they are dropped. Lower severities never wait.
	OverflowWait time.Duration
	// SinkBackoffMax caps the pause applied to a sink after repeated write
	// failures.
	SinkBackoffMax time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	UseColor bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		OverflowWait:     20 * time.Millisecond,
		SinkBackoffMax:   30 * time.Second,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) CloneFields() map[string]any {
	if len(c.Fields) == 0 {
		return nil
	}
	cloned := make(map[string]any, len(c.Fields))
	for k, v := range c.Fields {
		cloned[k] = v
	}
	return cloned
}

// ParseSeverity maps a textual level onto a Severity. Unknown input reports false.
func ParseSeverity(raw string) (Severity, bool) {
	switch raw {
	case "debug", "trace":
		return SeverityDebug, true
	case "info", "":
		return SeverityInfo, raw != ""
	case "warn", "warning":
		return SeverityWarn, true
	case "error":
		return SeverityError, true
	default:
		return SeverityInfo, false
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}
