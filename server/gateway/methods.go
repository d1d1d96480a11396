package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/store"
)

const (
	maxMessageRunes       = store.MaxContentRunes
	maxAttachmentsPerSend = 8
)

// validateAttachments checks attachment metadata against the configured
// size and type limits. Empty allow-lists accept everything.
func (g *Gateway) validateAttachments(attachments []AttachmentMeta) error {
	if len(attachments) > maxAttachmentsPerSend {
		return errors.Errorf("at most %d attachments per message", maxAttachmentsPerSend)
	}
	for _, a := range attachments {
		if strings.TrimSpace(a.FileName) == "" {
			return errors.New("attachment fileName is required")
		}
		if a.SizeBytes <= 0 {
			return errors.Errorf("attachment %s has no size", a.FileName)
		}
		if a.SizeBytes > g.profile.MaxFileSizeBytes {
			return errors.Errorf("attachment %s exceeds the %d byte limit", a.FileName, g.profile.MaxFileSizeBytes)
		}
		if len(g.profile.AllowedExtensions) > 0 {
			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(a.FileName), "."))
			if !slices.Contains(g.profile.AllowedExtensions, ext) {
				return errors.Errorf("attachment type .%s is not allowed", ext)
			}
		}
		if len(g.profile.AllowedMimeTypes) > 0 && a.ContentType != "" {
			if !slices.Contains(g.profile.AllowedMimeTypes, strings.ToLower(a.ContentType)) {
				return errors.Errorf("attachment content type %s is not allowed", a.ContentType)
			}
		}
	}
	return nil
}

// dispatch routes one request frame to its method handler.
func (g *Gateway) dispatch(ctx context.Context, c *Client, req *RequestFrame) {
	switch req.Method {
	case MethodJoinConversation:
		g.handleJoin(ctx, c, req)
	case MethodLeaveConversation:
		g.handleLeave(c, req)
	case MethodSendMessage:
		g.handleSendMessage(ctx, c, req)
	case MethodTypingIndicator:
		g.handleTyping(c, req)
	case MethodGetOnlineUsers:
		g.handleOnlineUsers(ctx, c, req)
	case MethodGetOnlineStatus:
		g.handleOnlineStatus(ctx, c, req)
	case MethodGetLastSeen:
		g.handleLastSeen(ctx, c, req)
	default:
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "unknown method "+req.Method))
	}
}

type conversationParams struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageParams struct {
	ConversationID string           `json:"conversationId"`
	Content        string           `json:"content"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	Attachments    []AttachmentMeta `json:"attachments,omitempty"`
}

// AttachmentMeta describes a file a collaborator service has already
// stored. The gateway validates the metadata only; bytes never pass
// through the chat socket.
type AttachmentMeta struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	StorageRef  string `json:"storageRef,omitempty"`
}

type typingParams struct {
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

type userParams struct {
	UserID string `json:"userId"`
}

// ownedConversation resolves the uid and enforces ownership. A
// conversation belonging to someone else is reported as forbidden, not
// hidden, because conversation ids are unguessable.
func (g *Gateway) ownedConversation(ctx context.Context, c *Client, conversationUID string) (*store.Conversation, *ResponseFrame) {
	if conversationUID == "" {
		return nil, errResponse("", ErrInvalidArgument, "conversationId is required")
	}
	conversation, err := g.store.GetConversation(ctx, &store.FindConversation{UID: &conversationUID})
	if err != nil {
		slog.Error("gateway.conversation.lookup_failed", "conversation_id", conversationUID, "error", err)
		return nil, errResponse("", ErrInternal, "storage unavailable")
	}
	if conversation == nil {
		return nil, errResponse("", ErrNotFound, "conversation not found")
	}
	if conversation.UserID != c.userID {
		return nil, errResponse("", ErrForbidden, "not your conversation")
	}
	return conversation, nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, req *RequestFrame) {
	var params conversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "malformed params"))
		return
	}
	conversation, errFrame := g.ownedConversation(ctx, c, params.ConversationID)
	if errFrame != nil {
		errFrame.ID = req.ID
		c.sendResponse(errFrame)
		return
	}
	g.hub.join(c, conversation.UID)
	c.sendResponse(okResponse(req.ID, map[string]any{"conversationId": conversation.UID}))
}

func (g *Gateway) handleLeave(c *Client, req *RequestFrame) {
	var params conversationParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "conversationId is required"))
		return
	}
	g.hub.leave(c, params.ConversationID)
	c.sendResponse(okResponse(req.ID, map[string]any{"conversationId": params.ConversationID}))
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, req *RequestFrame) {
	if !c.limiter.Allow() {
		g.metrics.RateLimited.Inc()
		c.sendResponse(errResponse(req.ID, ErrResourceExhausted, "sending too fast, slow down"))
		return
	}

	var params sendMessageParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "malformed params"))
		return
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "content is required"))
		return
	}
	if utf8.RuneCountInString(content) > maxMessageRunes {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "content too long"))
		return
	}
	if err := g.validateAttachments(params.Attachments); err != nil {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, err.Error()))
		return
	}

	conversation, errFrame := g.ownedConversation(ctx, c, params.ConversationID)
	if errFrame != nil {
		errFrame.ID = req.ID
		c.sendResponse(errFrame)
		return
	}

	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var metadata string
	if len(params.Attachments) > 0 {
		encoded, err := json.Marshal(map[string]any{"attachments": params.Attachments})
		if err != nil {
			c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "malformed attachments"))
			return
		}
		metadata = string(encoded)
	}

	message, err := g.store.AppendMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.RoleUser,
		SenderID:       c.userID,
		Content:        content,
		CorrelationID:  correlationID,
		Metadata:       metadata,
	})
	if err != nil {
		slog.Error("gateway.message.append_failed", "conversation_id", conversation.UID, "correlation_id", correlationID, "error", err)
		c.sendResponse(errResponse(req.ID, ErrInternal, "failed to persist message"))
		return
	}
	g.metrics.MessagesSent.WithLabelValues(string(store.RoleUser)).Inc()

	payload := &MessagePayload{
		ConversationID: conversation.UID,
		MessageID:      message.UID,
		Role:           string(message.Role),
		SenderID:       message.SenderID,
		Content:        message.Content,
		SentTs:         message.SentTs,
	}
	if metadata != "" {
		payload.Metadata = json.RawMessage(metadata)
	}
	// The sending connection learns the message from the response frame;
	// broadcasting echoes it only to the other members, including the
	// sender's other tabs.
	g.hub.broadcastToConversation(conversation.UID, newEvent(EventReceiveMessage, payload), c)

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, correlationID, &bus.MessageSent{
		ConversationUID: conversation.UID,
		MessageUID:      message.UID,
		UserID:          c.userID,
		Content:         message.Content,
		SentTs:          message.SentTs,
	})
	if err == nil {
		err = g.eventBus.Publish(ctx, bus.TopicMessageSent, envelope)
	}
	if err != nil {
		// The message is persisted but the turn will not reach the
		// orchestrator; the failure shows up in the conversation as an
		// error reply, not only as a rejected request.
		slog.Error("gateway.message.publish_failed", "message_id", message.UID, "correlation_id", correlationID, "error", err)
		g.syntheticErrorReply(ctx, c, conversation, correlationID)
		c.sendResponse(errResponse(req.ID, ErrInternal, "message saved but processing could not be scheduled"))
		return
	}
	slog.Info("gateway.message.sent",
		"conversation_id", conversation.UID,
		"message_id", message.UID,
		"user_id", c.userID,
		"correlation_id", correlationID,
	)

	g.hub.broadcastToConversation(conversation.UID, newEvent(EventAgentTyping, &TypingPayload{
		ConversationID: conversation.UID,
		Typing:         true,
	}), nil)

	c.sendResponse(okResponse(req.ID, payload))
}

const agentUnreachableContent = "The agent could not be reached. Your message was saved; please try again."

// syntheticErrorReply persists and fans out an error-flagged assistant
// message so a scheduling failure is visible inside the conversation.
// The initiating connection receives it even when it has not joined
// the group. Typing is turned off alongside.
func (g *Gateway) syntheticErrorReply(ctx context.Context, c *Client, conversation *store.Conversation, correlationID string) {
	reply, err := g.store.AppendMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		SenderID:       "agent",
		Content:        agentUnreachableContent,
		CorrelationID:  correlationID,
		Metadata:       `{"isError":true}`,
	})
	if err != nil {
		slog.Error("gateway.error_reply.append_failed", "conversation_id", conversation.UID, "correlation_id", correlationID, "error", err)
		return
	}

	messageEvent := newEvent(EventReceiveMessage, &MessagePayload{
		ConversationID: conversation.UID,
		MessageID:      reply.UID,
		Role:           string(store.RoleAssistant),
		SenderID:       reply.SenderID,
		Content:        reply.Content,
		Metadata:       json.RawMessage(reply.Metadata),
		SentTs:         reply.SentTs,
	})
	typingEvent := newEvent(EventAgentTyping, &TypingPayload{
		ConversationID: conversation.UID,
		Typing:         false,
	})
	g.hub.broadcastToConversation(conversation.UID, messageEvent, c)
	g.hub.broadcastToConversation(conversation.UID, typingEvent, c)
	c.sendEvent(messageEvent)
	c.sendEvent(typingEvent)
}

// handleTyping relays an ephemeral typing flag to the other group
// members. Nothing is persisted.
func (g *Gateway) handleTyping(c *Client, req *RequestFrame) {
	var params typingParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ConversationID == "" {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "conversationId is required"))
		return
	}
	if !g.hub.isMember(params.ConversationID, c) {
		c.sendResponse(errResponse(req.ID, ErrForbidden, "join the conversation first"))
		return
	}
	g.hub.broadcastToConversation(params.ConversationID, newEvent(EventUserTyping, &TypingPayload{
		ConversationID: params.ConversationID,
		UserID:         c.userID,
		Typing:         params.Typing,
	}), c)
	c.sendResponse(okResponse(req.ID, nil))
}

func (g *Gateway) handleOnlineUsers(ctx context.Context, c *Client, req *RequestFrame) {
	users, err := g.presenceStore.GetOnlineUsers(ctx)
	if err != nil {
		c.sendResponse(errResponse(req.ID, ErrInternal, "presence unavailable"))
		return
	}
	c.sendResponse(okResponse(req.ID, map[string]any{"users": users}))
}

func (g *Gateway) handleOnlineStatus(ctx context.Context, c *Client, req *RequestFrame) {
	var params userParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.UserID == "" {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "userId is required"))
		return
	}
	online, err := g.presenceStore.IsOnline(ctx, params.UserID)
	if err != nil {
		c.sendResponse(errResponse(req.ID, ErrInternal, "presence unavailable"))
		return
	}
	c.sendResponse(okResponse(req.ID, &PresencePayload{UserID: params.UserID, Online: online}))
}

func (g *Gateway) handleLastSeen(ctx context.Context, c *Client, req *RequestFrame) {
	var params userParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.UserID == "" {
		c.sendResponse(errResponse(req.ID, ErrInvalidArgument, "userId is required"))
		return
	}
	lastSeen, ok, err := g.presenceStore.GetLastSeen(ctx, params.UserID)
	if err != nil {
		c.sendResponse(errResponse(req.ID, ErrInternal, "presence unavailable"))
		return
	}
	result := map[string]any{"userId": params.UserID}
	if ok {
		result["lastSeen"] = lastSeen.UTC().Format(time.RFC3339)
	} else {
		result["lastSeen"] = nil
	}
	c.sendResponse(okResponse(req.ID, result))
}
