// Package bus provides at-least-once event delivery between the chat
// gateway and its background services.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Topics carried by the bus. The fix-pipeline topics are published by
// collaborating services; they are declared here so every producer and
// consumer agrees on the names.
const (
	TopicMessageSent   = "chat.message.sent"
	TopicAgentResponse = "chat.agent.response"
	TopicTaskCompleted = "task.completed"
	TopicBuildFailed   = "ci.build.failed"
	TopicFixAttempted  = "fix.attempted"
	TopicFixSucceeded  = "fix.succeeded"
)

// Envelope is the wire unit of the bus. Payload stays opaque to the
// transport; consumers decode it into their topic's event type.
type Envelope struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload for publication.
func NewEnvelope(eventType, correlationID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event payload")
	}
	return &Envelope{
		Type:          eventType,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	return errors.Wrapf(json.Unmarshal(e.Payload, v), "failed to decode %s payload", e.Type)
}

// Handler consumes one envelope. A nil return acknowledges the
// envelope; an error schedules a retry until the attempt budget is
// exhausted. Handlers must be idempotent: redelivery after a crash or
// an expired lease is expected.
type Handler func(ctx context.Context, envelope *Envelope) error

// EventBus is the delivery contract shared by the durable store-backed
// queue and the in-memory bus used in development.
type EventBus interface {
	// Publish enqueues the envelope on the topic. Once Publish
	// returns nil the envelope survives a process restart (durable
	// implementations) and will be delivered at least once.
	Publish(ctx context.Context, topic string, envelope *Envelope) error

	// Subscribe registers the handler for a topic. Must be called
	// before Start; one handler per topic.
	Subscribe(topic string, handler Handler)

	// Start launches the consumer workers.
	Start(ctx context.Context) error

	// Stop drains in-flight deliveries, honoring the context deadline.
	Stop(ctx context.Context) error
}
