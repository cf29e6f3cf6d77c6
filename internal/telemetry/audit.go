package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Publisher is the event-bus surface the emitter needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// AuditEmitter publishes audit-log envelopes for messaging operations.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	log         *zap.SugaredLogger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.SugaredLogger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		log:         log,
	}
}

// Emit publishes one audit entry. Failures are logged, never surfaced to
// the request path.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *int) {
	if e == nil || e.publisher == nil {
		return
	}

	var userIDStr *string
	if userID != nil {
		s := strconv.Itoa(*userID)
		userIDStr = &s
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userIDStr,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
		},
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope, map[string]string{"x-request-id": requestID}); err != nil {
		e.log.Warnw("audit publish failed", "error", err)
	}
}
