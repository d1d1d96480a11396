package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/codeforge-ai/codeforge/store"
)

type messageResponse struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	SenderID       string          `json:"senderId,omitempty"`
	Content        string          `json:"content"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	SentTs         int64           `json:"sentTs"`
}

type messagePageResponse struct {
	Messages   []*messageResponse `json:"messages"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

func convertMessage(conversationUID string, message *store.Message) *messageResponse {
	response := &messageResponse{
		ID:             message.UID,
		ConversationID: conversationUID,
		Role:           string(message.Role),
		SenderID:       message.SenderID,
		Content:        message.Content,
		CorrelationID:  message.CorrelationID,
		SentTs:         message.SentTs,
	}
	if message.Metadata != "" {
		response.Metadata = json.RawMessage(message.Metadata)
	}
	return response
}

// ListMessages pages through a conversation in ascending (sent_ts, id)
// order with an opaque cursor. The cursor is the id of the last message
// of the previous page; nextCursor is present only when the page came
// back full, so a short page terminates iteration.
func (s *APIV1Service) ListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.ownedConversation(c)
	if err != nil {
		return err
	}

	limit := parseLimit(c)
	cursor := strings.TrimSpace(c.QueryParam("cursor"))

	list, err := s.Store.ListMessagesAfter(ctx, conversation.ID, cursor, limit)
	if err != nil {
		if cursor != "" && strings.Contains(err.Error(), "unknown message cursor") {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cursor")
		}
		slog.Error("api.message.list_failed", "conversation_id", conversation.UID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}

	response := &messagePageResponse{Messages: make([]*messageResponse, 0, len(list))}
	for _, message := range list {
		response.Messages = append(response.Messages, convertMessage(conversation.UID, message))
	}
	if len(list) == limit {
		response.NextCursor = list[len(list)-1].UID
	}
	return c.JSON(http.StatusOK, response)
}
