package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/codeforge-ai/codeforge/ai/orchestrator"
	"github.com/codeforge-ai/codeforge/store"
)

// Agent responses share the message content bound the store enforces.
const maxAgentResponseRunes = store.MaxContentRunes

type agentResponseRequest struct {
	// MessageID is set when the reply is already persisted and only
	// needs fan-out. External orchestrators leave it empty and this
	// endpoint persists on their behalf.
	MessageID     string          `json:"messageId,omitempty"`
	Content       string          `json:"content"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ReceiveAgentResponse is the callback-delivery entry point for agent
// replies produced out of process.
func (s *APIV1Service) ReceiveAgentResponse(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.foundConversation(c)
	if err != nil {
		return err
	}

	request := &agentResponseRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	content := strings.TrimSpace(request.Content)
	if content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if utf8.RuneCountInString(content) > maxAgentResponseRunes {
		return echo.NewHTTPError(http.StatusBadRequest, "content too long")
	}
	if len(request.Metadata) > 0 && !json.Valid(request.Metadata) {
		return echo.NewHTTPError(http.StatusBadRequest, "metadata is not valid JSON")
	}

	message := &store.Message{
		UID:            request.MessageID,
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		SenderID:       orchestrator.AgentSenderID,
		Content:        content,
		CorrelationID:  request.CorrelationID,
		Metadata:       string(request.Metadata),
	}
	if request.MessageID == "" {
		message.UID = shortuuid.New()
		message, err = s.Store.AppendMessage(ctx, message)
		if err != nil {
			slog.Error("api.agent_response.append_failed", "conversation_id", conversation.UID, "correlation_id", request.CorrelationID, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to persist agent response")
		}
	}

	s.Gateway.DeliverAgentMessage(conversation.UID, message)
	slog.Info("api.agent_response.delivered",
		"conversation_id", conversation.UID,
		"message_id", message.UID,
		"correlation_id", request.CorrelationID,
		"persisted", request.MessageID == "",
	)
	return c.JSON(http.StatusOK, map[string]any{"messageId": message.UID})
}

// GetMessageHistory returns the newest N messages of a conversation in
// ascending order. Out-of-process orchestrators use it to assemble
// their context window.
func (s *APIV1Service) GetMessageHistory(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.foundConversation(c)
	if err != nil {
		return err
	}

	limit := parseLimit(c)
	list, err := s.Store.ListRecentMessages(ctx, conversation.ID, limit)
	if err != nil {
		slog.Error("api.message.history_failed", "conversation_id", conversation.UID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load history")
	}

	response := make([]*messageResponse, 0, len(list))
	for _, message := range list {
		response = append(response, convertMessage(conversation.UID, message))
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": response})
}
