package orchestrator_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/codeforge/ai/classifier"
	"github.com/codeforge-ai/codeforge/ai/llm"
	"github.com/codeforge-ai/codeforge/ai/orchestrator"
	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/internal/profile"
	"github.com/codeforge-ai/codeforge/store"
	"github.com/codeforge-ai/codeforge/store/db/sqlite"
)

type stubLLM struct {
	calls atomic.Int32
	reply string
	err   error
}

func (s *stubLLM) Chat(context.Context, []llm.Message) (string, *llm.CallStats, error) {
	s.calls.Add(1)
	if s.err != nil {
		return "", nil, s.err
	}
	return s.reply, &llm.CallStats{TotalTokens: 42}, nil
}

func (s *stubLLM) Warmup(context.Context) {}

type captureDelivery struct {
	mu       sync.Mutex
	err      error
	messages []*store.Message
}

func (d *captureDelivery) Deliver(_ context.Context, _ string, message *store.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, message)
	return nil
}

func (d *captureDelivery) delivered() []*store.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*store.Message, len(d.messages))
	copy(out, d.messages)
	return out
}

type fixture struct {
	store    *store.Store
	llm      *stubLLM
	delivery *captureDelivery
	worker   *orchestrator.Worker
}

func newFixture(t *testing.T, service *stubLLM) *fixture {
	t.Helper()
	p := &profile.Profile{Mode: "dev", Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = st.Close()
	})

	m := metrics.New()
	cl, err := classifier.New(classifier.Config{}, nil, m)
	require.NoError(t, err)

	delivery := &captureDelivery{}
	worker := orchestrator.NewWorker(orchestrator.Config{HistoryDepth: 4}, st, cl, service, delivery, m)
	return &fixture{store: st, llm: service, delivery: delivery, worker: worker}
}

func (f *fixture) seedTurn(t *testing.T, content string) (*store.Conversation, *store.Message, *bus.Envelope) {
	t.Helper()
	ctx := context.Background()
	conversation, err := f.store.CreateConversation(ctx, &store.Conversation{
		UID:    shortuuid.New(),
		UserID: "alice",
		Title:  "test",
	})
	require.NoError(t, err)

	message, err := f.store.AppendMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.RoleUser,
		SenderID:       "alice",
		Content:        content,
		CorrelationID:  "corr-1",
	})
	require.NoError(t, err)

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, message.CorrelationID, &bus.MessageSent{
		ConversationUID: conversation.UID,
		MessageUID:      message.UID,
		UserID:          "alice",
		Content:         message.Content,
		SentTs:          message.SentTs,
	})
	require.NoError(t, err)
	return conversation, message, envelope
}

func assistantMessages(t *testing.T, st *store.Store, conversationID int64) []*store.Message {
	t.Helper()
	all, err := st.ListMessages(context.Background(), &store.FindMessage{ConversationID: &conversationID})
	require.NoError(t, err)
	var out []*store.Message
	for _, m := range all {
		if m.Role == store.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func TestWorkerProducesReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "use a mutex around the counter"})
	conversation, userMessage, envelope := f.seedTurn(t, "how do i fix this data race?")

	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))

	replies := assistantMessages(t, f.store, conversation.ID)
	require.Len(t, replies, 1)
	reply := replies[0]
	assert.Equal(t, "use a mutex around the counter", reply.Content)
	assert.Equal(t, orchestrator.AgentSenderID, reply.SenderID)
	assert.Equal(t, userMessage.CorrelationID, reply.CorrelationID)

	var meta struct {
		ReplyTo        string             `json:"replyTo"`
		Classification *classifier.Result `json:"classification"`
		IsError        bool               `json:"isError"`
		TotalTokens    int                `json:"totalTokens"`
	}
	require.NoError(t, json.Unmarshal([]byte(reply.Metadata), &meta))
	assert.Equal(t, userMessage.UID, meta.ReplyTo)
	require.NotNil(t, meta.Classification)
	assert.True(t, meta.Classification.Complexity.Valid())
	assert.False(t, meta.IsError)
	assert.Equal(t, 42, meta.TotalTokens)

	delivered := f.delivery.delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, reply.UID, delivered[0].UID)
}

func TestWorkerLLMFailureProducesErrorReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{err: errors.New("provider down")})
	conversation, userMessage, envelope := f.seedTurn(t, "please review this function")

	// A failed LLM call still acknowledges the envelope; the failure
	// surfaces as an error reply, not as endless redelivery.
	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))

	replies := assistantMessages(t, f.store, conversation.ID)
	require.Len(t, replies, 1)
	assert.NotEmpty(t, replies[0].Content)

	var meta struct {
		ReplyTo string `json:"replyTo"`
		IsError bool   `json:"isError"`
	}
	require.NoError(t, json.Unmarshal([]byte(replies[0].Metadata), &meta))
	assert.Equal(t, userMessage.UID, meta.ReplyTo)
	assert.True(t, meta.IsError)

	require.Len(t, f.delivery.delivered(), 1)
}

func TestWorkerRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "done"})
	conversation, _, envelope := f.seedTurn(t, "add a health check endpoint")

	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))
	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))

	assert.Len(t, assistantMessages(t, f.store, conversation.ID), 1)
	assert.EqualValues(t, 1, f.llm.calls.Load(), "the redelivered turn must not call the llm again")
	// Delivery repeats; the gateway dedupes by message id.
	assert.Len(t, f.delivery.delivered(), 2)
}

func TestWorkerRetriesDeliveryOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "patched"})
	conversation, _, envelope := f.seedTurn(t, "fix the bug in the parser")

	f.delivery.err = errors.New("gateway unreachable")
	require.Error(t, f.worker.HandleMessageSent(ctx, envelope))
	assert.Len(t, assistantMessages(t, f.store, conversation.ID), 1)

	f.delivery.err = nil
	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))
	assert.Len(t, assistantMessages(t, f.store, conversation.ID), 1)
	assert.EqualValues(t, 1, f.llm.calls.Load())
	assert.Len(t, f.delivery.delivered(), 1)
}

type hangingLLM struct {
	calls atomic.Int32
}

func (s *hangingLLM) Chat(ctx context.Context, _ []llm.Message) (string, *llm.CallStats, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return "", nil, ctx.Err()
}

func (s *hangingLLM) Warmup(context.Context) {}

func TestWorkerRecoversFromHangingLLM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "unused"})
	conversation, userMessage, envelope := f.seedTurn(t, "why does this deadlock?")

	hung := &hangingLLM{}
	m := metrics.New()
	cl, err := classifier.New(classifier.Config{}, nil, m)
	require.NoError(t, err)
	worker := orchestrator.NewWorker(orchestrator.Config{
		HistoryDepth: 4,
		TurnTimeout:  50 * time.Millisecond,
	}, f.store, cl, hung, f.delivery, m)

	// The turn deadline converts a hung provider into the error-reply
	// path instead of blocking the consumer forever.
	require.NoError(t, worker.HandleMessageSent(ctx, envelope))
	require.EqualValues(t, 1, hung.calls.Load())

	replies := assistantMessages(t, f.store, conversation.ID)
	require.Len(t, replies, 1)

	var meta struct {
		ReplyTo string `json:"replyTo"`
		IsError bool   `json:"isError"`
	}
	require.NoError(t, json.Unmarshal([]byte(replies[0].Metadata), &meta))
	assert.Equal(t, userMessage.UID, meta.ReplyTo)
	assert.True(t, meta.IsError)
}

func TestWorkerAcksVanishedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "unused"})
	conversation, _, envelope := f.seedTurn(t, "anything")

	require.NoError(t, f.store.DeleteConversation(ctx, &store.DeleteConversation{ID: conversation.ID}))

	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))
	assert.EqualValues(t, 0, f.llm.calls.Load())
	assert.Empty(t, f.delivery.delivered())
}

func TestWorkerIgnoresNonUserMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "unused"})
	conversation, _, _ := f.seedTurn(t, "seed")

	agentMessage, err := f.store.AppendMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		SenderID:       orchestrator.AgentSenderID,
		Content:        "previous reply",
	})
	require.NoError(t, err)

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, "corr-x", &bus.MessageSent{
		ConversationUID: conversation.UID,
		MessageUID:      agentMessage.UID,
	})
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleMessageSent(ctx, envelope))
	assert.EqualValues(t, 0, f.llm.calls.Load())
	assert.Empty(t, f.delivery.delivered())
}

func TestWorkerMalformedEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "unused"})

	envelope := &bus.Envelope{
		Type:    bus.TopicMessageSent,
		Payload: json.RawMessage(`"not an object"`),
	}
	require.Error(t, f.worker.HandleMessageSent(ctx, envelope))
}

func TestWorkerWithoutLLMProducesErrorReply(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &stubLLM{reply: "unused"})
	conversation, userMessage, envelope := f.seedTurn(t, "can you summarize this file?")

	m := metrics.New()
	cl, err := classifier.New(classifier.Config{}, nil, m)
	require.NoError(t, err)
	var none llm.Service
	worker := orchestrator.NewWorker(orchestrator.Config{HistoryDepth: 4}, f.store, cl, none, f.delivery, m)

	// No provider configured: the turn degrades to an error reply and
	// the envelope is still acknowledged.
	require.NoError(t, worker.HandleMessageSent(ctx, envelope))

	replies := assistantMessages(t, f.store, conversation.ID)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "not configured")

	var meta struct {
		ReplyTo string `json:"replyTo"`
		IsError bool   `json:"isError"`
	}
	require.NoError(t, json.Unmarshal([]byte(replies[0].Metadata), &meta))
	assert.Equal(t, userMessage.UID, meta.ReplyTo)
	assert.True(t, meta.IsError)
	require.Len(t, f.delivery.delivered(), 1)
}
