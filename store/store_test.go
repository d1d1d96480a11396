package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/store"
	"github.com/codeforge-ai/codeforge/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func createConversation(t *testing.T, st *store.Store, userID, title string) *store.Conversation {
	t.Helper()
	conversation, err := st.CreateConversation(context.Background(), &store.Conversation{
		UID:    shortuuid.New(),
		UserID: userID,
		Title:  title,
	})
	require.NoError(t, err)
	return conversation
}

func appendUserMessage(t *testing.T, st *store.Store, conversationID int64, content string) *store.Message {
	t.Helper()
	message, err := st.AppendMessage(context.Background(), &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		SenderID:       "user-1",
		Content:        content,
	})
	require.NoError(t, err)
	return message
}

func TestConversationCRUD(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	created := createConversation(t, st, "alice", "Debug session")
	require.NotZero(t, created.ID)
	require.NotZero(t, created.CreatedTs)
	assert.Equal(t, created.CreatedTs, created.UpdatedTs)

	found, err := st.GetConversation(ctx, &store.FindConversation{UID: &created.UID})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "alice", found.UserID)
	assert.Equal(t, "Debug session", found.Title)

	title := "Renamed session"
	updated, err := st.UpdateConversation(ctx, &store.UpdateConversation{ID: created.ID, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.GreaterOrEqual(t, updated.UpdatedTs, created.UpdatedTs)

	require.NoError(t, st.DeleteConversation(ctx, &store.DeleteConversation{ID: created.ID}))
	gone, err := st.GetConversation(ctx, &store.FindConversation{ID: &created.ID})
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestListConversationsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	for i := 0; i < 5; i++ {
		createConversation(t, st, "alice", fmt.Sprintf("project alpha %d", i))
	}
	createConversation(t, st, "alice", "grocery list")
	createConversation(t, st, "bob", "project alpha bob")

	alice := "alice"
	total, err := st.CountConversations(ctx, &store.FindConversation{UserID: &alice})
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)

	query := "alpha"
	matched, err := st.CountConversations(ctx, &store.FindConversation{UserID: &alice, Query: &query})
	require.NoError(t, err)
	assert.EqualValues(t, 5, matched)

	limit, offset := 2, 4
	page, err := st.ListConversations(ctx, &store.FindConversation{UserID: &alice, Query: &query, Limit: &limit, Offset: &offset})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestListConversationsSearchesMessageContent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	daily := createConversation(t, st, "alice", "daily sync")
	createConversation(t, st, "alice", "roadmap review")
	appendUserMessage(t, st, daily.ID, "the xylophone sample still distorts at high volume")

	alice := "alice"
	query := "xylophone"
	matched, err := st.ListConversations(ctx, &store.FindConversation{UserID: &alice, Query: &query})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, daily.UID, matched[0].UID)

	count, err := st.CountConversations(ctx, &store.FindConversation{UserID: &alice, Query: &query})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// Case-insensitive on content as well as title.
	upper := "XYLOPHONE"
	matched, err = st.ListConversations(ctx, &store.FindConversation{UserID: &alice, Query: &upper})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestAppendMessageOrdering(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "ordering")

	var messages []*store.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, appendUserMessage(t, st, conversation.ID, fmt.Sprintf("message %d", i)))
	}

	for i := 1; i < len(messages); i++ {
		assert.GreaterOrEqual(t, messages[i].SentTs, messages[i-1].SentTs)
		assert.Greater(t, messages[i].ID, messages[i-1].ID)
	}

	// The conversation's activity timestamp follows the tail message.
	refreshed, err := st.GetConversation(ctx, &store.FindConversation{ID: &conversation.ID})
	require.NoError(t, err)
	assert.Equal(t, messages[len(messages)-1].SentTs, refreshed.UpdatedTs)

	listed, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conversation.ID})
	require.NoError(t, err)
	require.Len(t, listed, 5)
	for i, message := range listed {
		assert.Equal(t, messages[i].UID, message.UID)
	}
}

func TestAppendMessageContentBounds(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "bounds")

	appendWithContent := func(content string) error {
		_, err := st.AppendMessage(ctx, &store.Message{
			UID:            shortuuid.New(),
			ConversationID: conversation.ID,
			Role:           store.RoleUser,
			SenderID:       "alice",
			Content:        content,
		})
		return err
	}

	require.Error(t, appendWithContent(""))
	require.Error(t, appendWithContent(strings.Repeat("x", store.MaxContentRunes+1)))
	require.NoError(t, appendWithContent("x"))
	require.NoError(t, appendWithContent(strings.Repeat("x", store.MaxContentRunes)))
}

func TestAppendMessageRejectsInvalidRole(t *testing.T) {
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "roles")

	_, err := st.AppendMessage(context.Background(), &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.Role("robot"),
		Content:        "beep",
	})
	require.Error(t, err)
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	st := newTestStore(t)

	_, err := st.AppendMessage(context.Background(), &store.Message{
		UID:            shortuuid.New(),
		ConversationID: 9999,
		Role:           store.RoleUser,
		Content:        "hello",
	})
	require.Error(t, err)
}

func TestListMessagesAfterPartitionsWithoutGaps(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "pagination")

	var uids []string
	for i := 0; i < 7; i++ {
		uids = append(uids, appendUserMessage(t, st, conversation.ID, fmt.Sprintf("m%d", i)).UID)
	}

	var collected []string
	cursor := ""
	for {
		page, err := st.ListMessagesAfter(ctx, conversation.ID, cursor, 3)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, message := range page {
			collected = append(collected, message.UID)
		}
		cursor = page[len(page)-1].UID
		if len(page) < 3 {
			break
		}
	}
	assert.Equal(t, uids, collected)
}

func TestListMessagesAfterRejectsForeignCursor(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mine := createConversation(t, st, "alice", "mine")
	other := createConversation(t, st, "alice", "other")
	foreign := appendUserMessage(t, st, other.ID, "elsewhere")

	_, err := st.ListMessagesAfter(ctx, mine.ID, foreign.UID, 10)
	require.Error(t, err)

	_, err = st.ListMessagesAfter(ctx, mine.ID, "no-such-message", 10)
	require.Error(t, err)
}

func TestListRecentMessagesAscending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "recent")

	for i := 0; i < 6; i++ {
		appendUserMessage(t, st, conversation.ID, fmt.Sprintf("m%d", i))
	}

	recent, err := st.ListRecentMessages(ctx, conversation.ID, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "m2", recent[0].Content)
	assert.Equal(t, "m5", recent[3].Content)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	conversation := createConversation(t, st, "alice", "cascade")
	keep := createConversation(t, st, "alice", "keep")

	for i := 0; i < 3; i++ {
		appendUserMessage(t, st, conversation.ID, "doomed")
	}
	kept := appendUserMessage(t, st, keep.ID, "survivor")

	require.NoError(t, st.DeleteConversation(ctx, &store.DeleteConversation{ID: conversation.ID}))

	count, err := st.CountMessages(ctx, conversation.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	survivor, err := st.GetMessage(ctx, &store.FindMessage{UID: &kept.UID})
	require.NoError(t, err)
	require.NotNil(t, survivor)
}

func TestBusEventQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	enqueued, err := st.EnqueueBusEvent(ctx, &store.BusEvent{
		Topic:         "chat.message.sent",
		Payload:       `{"type":"chat.message.sent"}`,
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.Equal(t, store.BusEventEnqueued, enqueued.Status)

	claimed, err := st.ClaimBusEvents(ctx, "chat.message.sent", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, store.BusEventInflight, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Leased events are invisible to competing consumers.
	again, err := st.ClaimBusEvents(ctx, "chat.message.sent", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A failure with a past retry time makes it claimable again.
	require.NoError(t, st.FailBusEvent(ctx, &store.FailBusEvent{
		ID:            claimed[0].ID,
		NextAttemptTs: time.Now().Add(-time.Second).Unix(),
		LastError:     "handler exploded",
	}))
	retried, err := st.ClaimBusEvents(ctx, "chat.message.sent", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempts)

	require.NoError(t, st.AckBusEvent(ctx, retried[0].ID))
	done := store.BusEventDone
	rows, err := st.ListBusEvents(ctx, &store.FindBusEvent{Status: &done})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFailBusEventDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	enqueued, err := st.EnqueueBusEvent(ctx, &store.BusEvent{Topic: "chat.message.sent", Payload: "{}"})
	require.NoError(t, err)

	claimed, err := st.ClaimBusEvents(ctx, "chat.message.sent", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, st.FailBusEvent(ctx, &store.FailBusEvent{
		ID:        enqueued.ID,
		Dead:      true,
		LastError: "gave up",
	}))

	dead := store.BusEventDead
	rows, err := st.ListBusEvents(ctx, &store.FindBusEvent{Status: &dead})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gave up", rows[0].LastError)

	none, err := st.ClaimBusEvents(ctx, "chat.message.sent", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
