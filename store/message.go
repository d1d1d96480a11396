package store

// MaxContentRunes bounds message content; appends outside [1, 10000]
// fail as invalid.
const MaxContentRunes = 10_000

// Role identifies the author kind of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is an immutable entry in a conversation. Ordering within a
// conversation is (SentTs, ID); the numeric id breaks timestamp ties.
type Message struct {
	ID             int64
	UID            string
	ConversationID int64
	Role           Role
	SenderID       string
	Content        string
	CorrelationID  string

	// Metadata carries serialized JSON such as classifier output or
	// attachment descriptors. Empty when the message has none.
	Metadata string

	SentTs int64
}

type FindMessage struct {
	ID             *int64
	UID            *string
	ConversationID *int64

	// AfterSentTs/AfterID form an exclusive (sent_ts, id) cursor; both
	// must be set together.
	AfterSentTs *int64
	AfterID     *int64

	Limit *int

	// Descending returns newest-first. Used to fetch the recent window
	// before re-sorting ascending for prompt assembly.
	Descending bool
}

type DeleteMessagesByConversation struct {
	ConversationID int64
}
