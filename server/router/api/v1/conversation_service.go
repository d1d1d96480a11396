package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/codeforge-ai/codeforge/server/auth"
	"github.com/codeforge-ai/codeforge/store"
)

type conversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

func convertConversation(conversation *store.Conversation) *conversationResponse {
	return &conversationResponse{
		ID:        conversation.UID,
		Title:     conversation.Title,
		CreatedTs: conversation.CreatedTs,
		UpdatedTs: conversation.UpdatedTs,
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type updateConversationRequest struct {
	Title string `json:"title"`
}

func (s *APIV1Service) CreateConversation(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)

	request := &createConversationRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	title, err := validateTitle(request.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	conversation, err := s.Store.CreateConversation(ctx, &store.Conversation{
		UID:    shortuuid.New(),
		UserID: userID,
		Title:  title,
	})
	if err != nil {
		slog.Error("api.conversation.create_failed", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create conversation")
	}
	slog.Info("api.conversation.created", "conversation_id", conversation.UID, "user_id", userID)
	return c.JSON(http.StatusCreated, convertConversation(conversation))
}

func (s *APIV1Service) ListConversations(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	page, err := parsePageRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	find := &store.FindConversation{UserID: &userID}
	if q := c.QueryParam("q"); q != "" {
		find.Query = &q
	}

	total, err := s.Store.CountConversations(ctx, find)
	if err != nil {
		slog.Error("api.conversation.count_failed", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	limit := page.Size
	offset := page.offset()
	find.Limit = &limit
	find.Offset = &offset
	list, err := s.Store.ListConversations(ctx, find)
	if err != nil {
		slog.Error("api.conversation.list_failed", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	setPaginationHeaders(c, page, total)
	response := make([]*conversationResponse, 0, len(list))
	for _, conversation := range list {
		response = append(response, convertConversation(conversation))
	}
	return c.JSON(http.StatusOK, response)
}

func (s *APIV1Service) GetConversation(c echo.Context) error {
	conversation, err := s.ownedConversation(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, convertConversation(conversation))
}

func (s *APIV1Service) UpdateConversation(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.ownedConversation(c)
	if err != nil {
		return err
	}

	request := &updateConversationRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	title, err := validateTitle(request.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	updated, err := s.Store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:    conversation.ID,
		Title: &title,
	})
	if err != nil {
		slog.Error("api.conversation.update_failed", "conversation_id", conversation.UID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update conversation")
	}
	return c.JSON(http.StatusOK, convertConversation(updated))
}

func (s *APIV1Service) DeleteConversation(c echo.Context) error {
	ctx := c.Request().Context()
	conversation, err := s.ownedConversation(c)
	if err != nil {
		return err
	}

	if err := s.Store.DeleteConversation(ctx, &store.DeleteConversation{ID: conversation.ID}); err != nil {
		slog.Error("api.conversation.delete_failed", "conversation_id", conversation.UID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete conversation")
	}
	slog.Info("api.conversation.deleted", "conversation_id", conversation.UID)
	return c.NoContent(http.StatusNoContent)
}

// ownedConversation resolves the path uid and enforces ownership for
// user-facing handlers.
func (s *APIV1Service) ownedConversation(c echo.Context) (*store.Conversation, error) {
	ctx := c.Request().Context()
	uid := c.Param("uid")
	if uid == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conversation, err := s.Store.GetConversation(ctx, &store.FindConversation{UID: &uid})
	if err != nil {
		slog.Error("api.conversation.lookup_failed", "conversation_id", uid, "error", err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "storage unavailable")
	}
	if conversation == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if conversation.UserID != auth.UserIDFromContext(ctx) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "not your conversation")
	}
	return conversation, nil
}

// foundConversation resolves the path uid without an ownership check.
// Internal handlers use it; their callers act on behalf of the system.
func (s *APIV1Service) foundConversation(c echo.Context) (*store.Conversation, error) {
	ctx := c.Request().Context()
	uid := c.Param("uid")
	if uid == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conversation, err := s.Store.GetConversation(ctx, &store.FindConversation{UID: &uid})
	if err != nil {
		slog.Error("api.conversation.lookup_failed", "conversation_id", uid, "error", err)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "storage unavailable")
	}
	if conversation == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return conversation, nil
}
