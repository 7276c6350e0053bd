package sinks

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"arena/server/logging"
)

// ConsoleSink renders events as human readable lines through zerolog's console writer.
type ConsoleSink struct {
	logger zerolog.Logger
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    !cfg.UseColor,
	}
	return &ConsoleSink{logger: zerolog.New(output)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	entry := s.logger.WithLevel(zerologLevel(event.Severity)).
		Time("time", event.Time).
		Str("type", string(event.Type)).
		Str("actor", formatEntity(event.Actor))
	if event.Category != "" {
		entry = entry.Str("category", event.Category)
	}
	if len(event.Targets) > 0 {
		targets := make([]string, 0, len(event.Targets))
		for _, target := range event.Targets {
			targets = append(targets, formatEntity(target))
		}
		entry = entry.Strs("targets", targets)
	}
	if event.MessageID != "" {
		entry = entry.Str("messageId", event.MessageID)
	}
	if event.Payload != nil {
		entry = entry.Interface("payload", event.Payload)
	}
	for k, v := range event.Extra {
		entry = entry.Interface(k, v)
	}
	entry.Send()
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func zerologLevel(sev logging.Severity) zerolog.Level {
	switch sev {
	case logging.SeverityDebug:
		return zerolog.DebugLevel
	case logging.SeverityInfo:
		return zerolog.InfoLevel
	case logging.SeverityWarn:
		return zerolog.WarnLevel
	case logging.SeverityError:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}

func formatEntity(ref logging.EntityRef) string {
	if ref.ID == "" {
		return string(ref.Kind)
	}
	if ref.Kind == "" {
		return ref.ID
	}
	return string(ref.Kind) + ":" + ref.ID
}
