package bus

import "encoding/json"

// MessageSent is published by the gateway for every persisted user
// message. MessageUID is the consumer's idempotence key.
type MessageSent struct {
	ConversationUID string `json:"conversationUid"`
	MessageUID      string `json:"messageUid"`
	UserID          string `json:"userId"`
	Content         string `json:"content"`
	SentTs          int64  `json:"sentTs"`
}

// AgentResponse is published by the orchestrator when a turn completes.
// Metadata carries the serialized classification outcome.
type AgentResponse struct {
	ConversationUID string          `json:"conversationUid"`
	MessageUID      string          `json:"messageUid"`
	Content         string          `json:"content"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	IsError         bool            `json:"isError,omitempty"`
}
