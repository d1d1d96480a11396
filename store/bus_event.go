package store

// BusEventStatus is the lifecycle state of a queued envelope.
type BusEventStatus string

const (
	// BusEventEnqueued is ready for delivery.
	BusEventEnqueued BusEventStatus = "enqueued"
	// BusEventInflight is claimed by a consumer and leased.
	BusEventInflight BusEventStatus = "inflight"
	// BusEventDone is acknowledged.
	BusEventDone BusEventStatus = "done"
	// BusEventDead exhausted its attempts and sits in the dead-letter
	// set for operator inspection.
	BusEventDead BusEventStatus = "dead"
)

// BusEvent is a durable queue row backing at-least-once delivery.
// An envelope survives process restarts; a crashed consumer's lease
// expires and the row becomes claimable again.
type BusEvent struct {
	ID            int64
	Topic         string
	Payload       string
	CorrelationID string
	Status        BusEventStatus
	Attempts      int
	NextAttemptTs int64
	LeaseUntilTs  int64
	LastError     string
	CreatedTs     int64
	UpdatedTs     int64
}

type FindBusEvent struct {
	ID     *int64
	Topic  *string
	Status *BusEventStatus
	Limit  *int
}

// FailBusEvent records a delivery failure. Dead moves the envelope to
// the dead-letter set instead of scheduling another attempt.
type FailBusEvent struct {
	ID            int64
	NextAttemptTs int64
	Dead          bool
	LastError     string
}
