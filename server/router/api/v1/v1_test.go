package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/presence"
	"github.com/codeforge-ai/codeforge/server/auth"
	"github.com/codeforge-ai/codeforge/server/gateway"
	apiv1 "github.com/codeforge-ai/codeforge/server/router/api/v1"
	"github.com/codeforge-ai/codeforge/store"
	"github.com/codeforge-ai/codeforge/store/db/sqlite"
)

const testSecret = "api-test-secret"

type fixture struct {
	echo  *echo.Echo
	store *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := &profile.Profile{
		Mode:             "dev",
		Driver:           "sqlite",
		DSN:              filepath.Join(t.TempDir(), "test.db"),
		Secret:           testSecret,
		RateLimitPerUser: 100,
		RateLimitBurst:   100,
		PresenceTTL:      300,
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
	})

	authenticator := auth.NewAuthenticator(p.Secret)
	eventBus := bus.NewMemoryBus(bus.Config{Workers: 1}, nil)
	presenceStore := presence.NewMemoryStore(time.Duration(p.PresenceTTL) * time.Second)
	g := gateway.New(p, st, presenceStore, eventBus, authenticator, metrics.New())

	e := echo.New()
	apiv1.NewAPIV1Service(p, st, authenticator, g).Register(e)
	return &fixture{echo: e, store: st}
}

func signToken(t *testing.T, subject, scope string) string {
	t.Helper()
	claims := &auth.Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

type conversationDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"createdTs"`
	UpdatedTs int64  `json:"updatedTs"`
}

type messageDTO struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	SentTs  int64  `json:"sentTs"`
}

func TestRequiresAuthentication(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "Fix the flaky test"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Fix the flaky test", created.Title)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodPut, "/api/v1/conversations/"+created.ID, alice, map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeJSON[conversationDTO](t, rec)
	assert.Equal(t, "Renamed", updated.Title)

	// PATCH is kept as an alias for the same handler.
	rec = f.request(t, http.MethodPatch, "/api/v1/conversations/"+created.ID, alice, map[string]string{"title": "Renamed again"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Renamed again", decodeJSON[conversationDTO](t, rec).Title)

	rec = f.request(t, http.MethodDelete, "/api/v1/conversations/"+created.ID, alice, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID, alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": strings.Repeat("x", 201)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": strings.Repeat("x", 200)})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestConversationOwnership(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")
	bob := signToken(t, "bob", "")

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "private"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		rec = f.request(t, method, "/api/v1/conversations/"+created.ID, bob, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, method)
	}

	// Bob's listing does not leak Alice's conversations.
	rec = f.request(t, http.MethodGet, "/api/v1/conversations", bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeJSON[[]conversationDTO](t, rec))
}

func TestListConversationsPagination(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")

	for i := 0; i < 5; i++ {
		rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": fmt.Sprintf("session %d", i)})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.request(t, http.MethodGet, "/api/v1/conversations?page=2&pageSize=2", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeJSON[[]conversationDTO](t, rec)
	assert.Len(t, page, 2)

	header := rec.Header()
	assert.Equal(t, "5", header.Get("X-Total-Count"))
	assert.Equal(t, "2", header.Get("X-Page-Number"))
	assert.Equal(t, "2", header.Get("X-Page-Size"))
	assert.Equal(t, "3", header.Get("X-Total-Pages"))
	link := header.Get("Link")
	assert.Contains(t, link, `rel="next"`)
	assert.Contains(t, link, `rel="prev"`)
	assert.Contains(t, link, `rel="first"`)
	assert.Contains(t, link, `rel="last"`)

	// Oversized pageSize clamps; a non-positive one is a caller error.
	rec = f.request(t, http.MethodGet, "/api/v1/conversations?page=0&pageSize=9999", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-Page-Size"))

	rec = f.request(t, http.MethodGet, "/api/v1/conversations?pageSize=0", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations?pageSize=-1", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedMessages(t *testing.T, f *fixture, conversationUID string, count int) {
	t.Helper()
	ctx := context.Background()
	conversation, err := f.store.GetConversation(ctx, &store.FindConversation{UID: &conversationUID})
	require.NoError(t, err)
	require.NotNil(t, conversation)
	for i := 0; i < count; i++ {
		_, err := f.store.AppendMessage(ctx, &store.Message{
			UID:            shortuuid.New(),
			ConversationID: conversation.ID,
			Role:           store.RoleUser,
			SenderID:       conversation.UserID,
			Content:        fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}
}

func TestListMessagesCursorPagination(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "history"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)
	seedMessages(t, f, created.ID, 5)

	type pageDTO struct {
		Messages   []messageDTO `json:"messages"`
		NextCursor string       `json:"nextCursor"`
	}

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages?limit=2", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeJSON[pageDTO](t, rec)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "message 0", first.Messages[0].Content)
	require.NotEmpty(t, first.NextCursor)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages?limit=2&cursor="+first.NextCursor, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeJSON[pageDTO](t, rec)
	require.Len(t, second.Messages, 2)
	assert.Equal(t, "message 2", second.Messages[0].Content)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages?limit=2&cursor="+second.NextCursor, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	last := decodeJSON[pageDTO](t, rec)
	require.Len(t, last.Messages, 1)
	// A short page ends iteration.
	assert.Empty(t, last.NextCursor)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages?cursor=bogus", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalEndpointsRequireServiceScope(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "internal"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)

	rec = f.request(t, http.MethodPost, "/api/v1/conversations/"+created.ID+"/agent-response", alice, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages/history", alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAgentResponsePersistsWhenUnpersisted(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")
	service := signToken(t, "orchestrator-1", auth.ScopeInternalService)

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "callback"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)

	// No messageId: the endpoint persists on the caller's behalf.
	rec = f.request(t, http.MethodPost, "/api/v1/conversations/"+created.ID+"/agent-response", service, map[string]any{
		"content":       "here is your answer",
		"correlationId": "corr-9",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeJSON[map[string]string](t, rec)
	require.NotEmpty(t, result["messageId"])

	stored, err := f.store.GetMessage(context.Background(), &store.FindMessage{UID: ptr(result["messageId"])})
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, store.RoleAssistant, stored.Role)
	assert.Equal(t, "here is your answer", stored.Content)

	// With a messageId the reply is already persisted; no second row.
	rec = f.request(t, http.MethodPost, "/api/v1/conversations/"+created.ID+"/agent-response", service, map[string]any{
		"messageId": result["messageId"],
		"content":   "here is your answer",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	conversation, err := f.store.GetConversation(context.Background(), &store.FindConversation{UID: &created.ID})
	require.NoError(t, err)
	count, err := f.store.CountMessages(context.Background(), conversation.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestMessageHistoryReturnsRecentWindow(t *testing.T) {
	f := newFixture(t)
	alice := signToken(t, "alice", "")
	service := signToken(t, "orchestrator-1", auth.ScopeInternalService)

	rec := f.request(t, http.MethodPost, "/api/v1/conversations", alice, map[string]string{"title": "window"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeJSON[conversationDTO](t, rec)
	seedMessages(t, f, created.ID, 6)

	rec = f.request(t, http.MethodGet, "/api/v1/conversations/"+created.ID+"/messages/history?limit=4", service, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Messages []messageDTO `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Messages, 4)
	assert.Equal(t, "message 2", history.Messages[0].Content)
	assert.Equal(t, "message 5", history.Messages[3].Content)
}

func ptr[T any](v T) *T {
	return &v
}
