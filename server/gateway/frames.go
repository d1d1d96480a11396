package gateway

import "encoding/json"

// Frame types exchanged on the chat hub socket.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Hub methods callable by clients.
const (
	MethodJoinConversation  = "conversation.join"
	MethodLeaveConversation = "conversation.leave"
	MethodSendMessage       = "message.send"
	MethodTypingIndicator   = "typing.set"
	MethodGetOnlineUsers    = "presence.online_users"
	MethodGetOnlineStatus   = "presence.status"
	MethodGetLastSeen       = "presence.last_seen"
)

// Events pushed by the server.
const (
	EventReceiveMessage  = "message.receive"
	EventAgentTyping     = "agent.typing"
	EventUserTyping      = "user.typing"
	EventPresenceChanged = "presence.changed"
)

// Error kinds carried in error frames.
const (
	ErrInvalidArgument   = "invalid_argument"
	ErrUnauthenticated   = "unauthenticated"
	ErrForbidden         = "forbidden"
	ErrNotFound          = "not_found"
	ErrResourceExhausted = "resource_exhausted"
	ErrInternal          = "internal"
)

// RequestFrame is a client call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers one request.
type ResponseFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	OK     bool        `json:"ok"`
	Result any         `json:"result,omitempty"`
	Error  *FrameError `json:"error,omitempty"`
}

// EventFrame is a server push.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type FrameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func okResponse(id string, result any) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Result: result}
}

func errResponse(id, kind, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: &FrameError{Kind: kind, Message: message}}
}

func newEvent(event string, payload any) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: event, Payload: payload}
}

// Event payloads.

type MessagePayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Role           string `json:"role"`
	SenderID       string `json:"senderId,omitempty"`
	Content        string `json:"content"`
	Metadata       any    `json:"metadata,omitempty"`
	SentTs         int64  `json:"sentTs"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	Typing         bool   `json:"typing"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	// LastSeenAt accompanies offline transitions, RFC 3339.
	LastSeenAt string `json:"lastSeenAt,omitempty"`
}
