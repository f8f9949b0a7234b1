package telemetry

import (
	"context"
	"log/slog"
)

// Slog writes events as structured log records.
// State changes and traffic log at debug, failures at warn.
type Slog struct {
	log *slog.Logger
}

// NewSlog wraps log. A nil log uses slog.Default().
func NewSlog(log *slog.Logger) *Slog {
	if log == nil {
		log = slog.Default()
	}
	return &Slog{log: log}
}

func (s *Slog) LogEvent(channelID int, ev Event) {
	level := slog.LevelDebug
	if ev.Err != nil || isFailure(ev.Type) {
		level = slog.LevelWarn
	}

	ctx := context.Background()
	if !s.log.Enabled(ctx, level) {
		return
	}

	attrs := []slog.Attr{
		slog.Int("channel_id", channelID),
		slog.String("event", ev.Type.String()),
	}
	if ev.State != "" {
		attrs = append(attrs, slog.String("state", ev.State))
	}
	if ev.Namespace != "" {
		attrs = append(attrs, slog.String("namespace", ev.Namespace))
	}
	if ev.Bytes > 0 {
		attrs = append(attrs, slog.Int("bytes", ev.Bytes))
	}
	if ev.Err != nil {
		attrs = append(attrs, slog.String("error", ev.Err.Error()))
	}
	s.log.LogAttrs(ctx, level, "cast channel event", attrs...)
}

func isFailure(t EventType) bool {
	switch t {
	case EventAuthFailed, EventConnectTimeout, EventSocketReadFailed,
		EventSocketWriteFailed, EventPingTimeout, EventChannelPolicyEnforced:
		return true
	}
	return false
}
