// Package audit records billing mutations for compliance review. Recording is
// fire-and-forget: a sink failure never fails the operation that triggered it.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event describes one recorded mutation.
type Event struct {
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	ActorID    string                 `json:"actor_id"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Sink receives audit events. Implementations must not block the caller and
// must swallow their own errors.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.logger.Info().
		Str("action", event.Action).
		Str("entity_type", event.EntityType).
		Str("entity_id", event.EntityID).
		Str("actor_id", event.ActorID).
		Interface("detail", event.Detail).
		Time("occurred_at", event.OccurredAt).
		Msg("audit event")
}

// NopSink discards all events. Used in tests and as a safe default.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
