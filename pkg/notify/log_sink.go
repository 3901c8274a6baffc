package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes events to the structured log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Str("sink", "log").Logger()}
}

// Name implements Sink.
func (l *LogSink) Name() string {
	return "log"
}

// Notify implements Sink.
func (l *LogSink) Notify(ctx context.Context, event Event) error {
	e := l.logger.Warn()
	if event.Resolved {
		e = l.logger.Info()
	}
	e.Str("event_id", event.ID).
		Str("category", event.Category).
		Str("server", event.Server).
		Str("server_id", event.ServerID).
		Str("pack", event.PackName).
		Str("severity", event.Severity).
		Int("value", event.Value).
		Bool("resolved", event.Resolved).
		Str("link", event.Link).
		Msg(event.Title)
	return nil
}
