package relay

import (
	"context"
	"log/slog"
	"time"
)

// Structured event names.
const (
	EventConversationProcessed = "conversation_processed"
	EventReplySuppressed       = "reply_suppressed_rate_limit"
	EventAdminTakeover         = "admin_takeover_detected"
	EventProcessingFailed      = "processing_failed"
)

// Event is an advisory structured event. Sinks never influence processing.
type Event struct {
	Name           string
	ConversationID string
	Time           time.Time
	Attrs          []slog.Attr
}

// Attr returns the string value of the named attribute, or "".
func (e Event) Attr(key string) string {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value.String()
		}
	}
	return ""
}

// EventSink receives structured events.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes events as slog records with event=<name>.
type LogSink struct {
	Logger *slog.Logger
}

// Emit logs ev. Failures are logged at warn, everything else at info.
func (s LogSink) Emit(ctx context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if ev.Name == EventProcessingFailed {
		level = slog.LevelWarn
	}
	attrs := make([]slog.Attr, 0, len(ev.Attrs)+2)
	attrs = append(attrs, slog.String("event", ev.Name), slog.String("conversation_id", ev.ConversationID))
	attrs = append(attrs, ev.Attrs...)
	logger.LogAttrs(ctx, level, ev.Name, attrs...)
}

// MultiSink fans an event out to every sink in order.
type MultiSink []EventSink

// Emit forwards ev to each sink.
func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}
