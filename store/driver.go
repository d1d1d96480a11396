package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for database access. Implementations live in
// store/db and are selected by profile.Driver.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	Migrate(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	CountConversations(ctx context.Context, find *FindConversation) (int64, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, delete *DeleteConversation) error

	// CreateMessage inserts the message and advances the parent
	// conversation's updated_ts to the message's sent_ts in the same
	// transaction.
	CreateMessage(ctx context.Context, create *Message) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	CountMessages(ctx context.Context, conversationID int64) (int64, error)

	EnqueueBusEvent(ctx context.Context, create *BusEvent) (*BusEvent, error)
	// ClaimBusEvents atomically moves up to limit due envelopes of the
	// topic into inflight state with the given lease. An envelope is
	// due when enqueued with next_attempt_ts <= now, or inflight with
	// an expired lease.
	ClaimBusEvents(ctx context.Context, topic string, nowTs, leaseUntilTs int64, limit int) ([]*BusEvent, error)
	AckBusEvent(ctx context.Context, id int64) error
	FailBusEvent(ctx context.Context, fail *FailBusEvent) error
	ListBusEvents(ctx context.Context, find *FindBusEvent) ([]*BusEvent, error)
}
