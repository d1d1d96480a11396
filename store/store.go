package store

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/internal/profile"
)

// appendStripes bounds the number of per-conversation append locks.
const appendStripes = 64

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// appendMu serializes message appends per conversation so that
	// sent timestamps within a conversation never regress. Striped by
	// conversation id; a collision only costs contention, not
	// correctness.
	appendMu [appendStripes]sync.Mutex
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	if create.UpdatedTs == 0 {
		create.UpdatedTs = create.CreatedTs
	}
	return s.driver.CreateConversation(ctx, create)
}

func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	limit := 1
	find.Limit = &limit
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) CountConversations(ctx context.Context, find *FindConversation) (int64, error) {
	return s.driver.CountConversations(ctx, find)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	if update.UpdatedTs == nil {
		now := time.Now().Unix()
		update.UpdatedTs = &now
	}
	return s.driver.UpdateConversation(ctx, update)
}

func (s *Store) DeleteConversation(ctx context.Context, delete *DeleteConversation) error {
	return s.driver.DeleteConversation(ctx, delete)
}

// AppendMessage persists a message at the tail of its conversation.
// Appends to the same conversation are serialized so the assigned sent
// timestamp never moves backwards relative to the conversation's
// updated_ts; concurrent appends land in a deterministic (sent_ts, id)
// order.
func (s *Store) AppendMessage(ctx context.Context, create *Message) (*Message, error) {
	if !create.Role.Valid() {
		return nil, errors.Errorf("invalid message role %q", create.Role)
	}
	if length := utf8.RuneCountInString(create.Content); length == 0 || length > MaxContentRunes {
		return nil, errors.Errorf("invalid message content length %d", length)
	}

	mu := &s.appendMu[uint64(create.ConversationID)%appendStripes]
	mu.Lock()
	defer mu.Unlock()

	conversation, err := s.GetConversation(ctx, &FindConversation{ID: &create.ConversationID})
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, errors.Errorf("conversation %d not found", create.ConversationID)
	}

	sentTs := time.Now().Unix()
	if sentTs < conversation.UpdatedTs {
		sentTs = conversation.UpdatedTs
	}
	create.SentTs = sentTs

	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) GetMessage(ctx context.Context, find *FindMessage) (*Message, error) {
	limit := 1
	find.Limit = &limit
	list, err := s.driver.ListMessages(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) CountMessages(ctx context.Context, conversationID int64) (int64, error) {
	return s.driver.CountMessages(ctx, conversationID)
}

// ListMessagesAfter returns up to limit messages of the conversation in
// ascending (sent_ts, id) order, starting strictly after the message
// identified by cursorUID. An empty cursor starts from the beginning.
func (s *Store) ListMessagesAfter(ctx context.Context, conversationID int64, cursorUID string, limit int) ([]*Message, error) {
	find := &FindMessage{
		ConversationID: &conversationID,
		Limit:          &limit,
	}
	if cursorUID != "" {
		anchor, err := s.GetMessage(ctx, &FindMessage{UID: &cursorUID})
		if err != nil {
			return nil, err
		}
		if anchor == nil || anchor.ConversationID != conversationID {
			return nil, errors.Errorf("unknown message cursor %q", cursorUID)
		}
		find.AfterSentTs = &anchor.SentTs
		find.AfterID = &anchor.ID
	}
	return s.driver.ListMessages(ctx, find)
}

// ListRecentMessages returns the newest limit messages of the
// conversation in ascending order, the shape prompt assembly wants.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	find := &FindMessage{
		ConversationID: &conversationID,
		Limit:          &limit,
		Descending:     true,
	}
	list, err := s.driver.ListMessages(ctx, find)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func (s *Store) EnqueueBusEvent(ctx context.Context, create *BusEvent) (*BusEvent, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = create.CreatedTs
	if create.Status == "" {
		create.Status = BusEventEnqueued
	}
	return s.driver.EnqueueBusEvent(ctx, create)
}

func (s *Store) ClaimBusEvents(ctx context.Context, topic string, leaseDuration time.Duration, limit int) ([]*BusEvent, error) {
	now := time.Now().Unix()
	return s.driver.ClaimBusEvents(ctx, topic, now, now+int64(leaseDuration.Seconds()), limit)
}

func (s *Store) AckBusEvent(ctx context.Context, id int64) error {
	return s.driver.AckBusEvent(ctx, id)
}

func (s *Store) FailBusEvent(ctx context.Context, fail *FailBusEvent) error {
	return s.driver.FailBusEvent(ctx, fail)
}

func (s *Store) ListBusEvents(ctx context.Context, find *FindBusEvent) ([]*BusEvent, error) {
	return s.driver.ListBusEvents(ctx, find)
}
