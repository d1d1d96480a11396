// Package orchestrator turns persisted user messages into agent
// replies: classify, assemble context, call the LLM, persist, deliver.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/codeforge-ai/codeforge/ai/classifier"
	"github.com/codeforge-ai/codeforge/ai/llm"
	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/store"
)

// AgentSenderID marks assistant messages in the sender column.
const AgentSenderID = "agent"

const (
	errorReplyContent        = "I ran into a problem processing your request. Please try again; if it keeps failing, the issue has been logged."
	unconfiguredReplyContent = "The agent is not configured with a language model, so I cannot answer right now. Please contact the operator."
)

// Config tunes the worker pool.
type Config struct {
	HistoryDepth   int           // context window, excluding the current message (default 10)
	MaxConcurrency int64         // in-flight turns across all consumers (default 8)
	TurnTimeout    time.Duration // upper bound on one LLM call (default 90s)
}

// Worker consumes MessageSent envelopes and produces agent replies.
// Handlers are idempotent: a redelivered envelope whose reply already
// exists is acknowledged without a second LLM call.
type Worker struct {
	config     Config
	store      *store.Store
	classifier *classifier.Classifier
	llm        llm.Service
	delivery   Delivery
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted
}

func NewWorker(config Config, st *store.Store, cl *classifier.Classifier, service llm.Service, delivery Delivery, m *metrics.Metrics) *Worker {
	if config.HistoryDepth <= 0 {
		config.HistoryDepth = 10
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.TurnTimeout <= 0 {
		config.TurnTimeout = 90 * time.Second
	}
	return &Worker{
		config:     config,
		store:      st,
		classifier: cl,
		llm:        service,
		delivery:   delivery,
		metrics:    m,
		sem:        semaphore.NewWeighted(config.MaxConcurrency),
	}
}

// Register subscribes the worker on the message-sent topic.
func (w *Worker) Register(eventBus bus.EventBus) {
	eventBus.Subscribe(bus.TopicMessageSent, w.HandleMessageSent)
}

// replyMetadata is what the worker stores alongside the agent message.
type replyMetadata struct {
	ReplyTo        string             `json:"replyTo"`
	Classification *classifier.Result `json:"classification,omitempty"`
	IsError        bool               `json:"isError,omitempty"`
	TotalTokens    int                `json:"totalTokens,omitempty"`
}

// HandleMessageSent processes one turn. A nil return acknowledges the
// envelope; errors trigger bus retry.
func (w *Worker) HandleMessageSent(ctx context.Context, envelope *bus.Envelope) error {
	var event bus.MessageSent
	if err := envelope.Decode(&event); err != nil {
		return err
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer w.sem.Release(1)

	conversation, err := w.store.GetConversation(ctx, &store.FindConversation{UID: &event.ConversationUID})
	if err != nil {
		return err
	}
	if conversation == nil {
		// Deleted between send and processing; nothing to reply to.
		slog.Warn("orchestrator.conversation.gone", "conversation_id", event.ConversationUID, "correlation_id", envelope.CorrelationID)
		return nil
	}

	userMessage, err := w.store.GetMessage(ctx, &store.FindMessage{UID: &event.MessageUID})
	if err != nil {
		return err
	}
	if userMessage == nil {
		slog.Warn("orchestrator.message.gone", "message_id", event.MessageUID, "correlation_id", envelope.CorrelationID)
		return nil
	}
	if userMessage.Role != store.RoleUser {
		// Only user turns get replies; assistant and system messages
		// are filtered here so a mispublished event cannot loop.
		return nil
	}

	existing, err := w.existingReply(ctx, conversation.ID, userMessage.UID)
	if err != nil {
		return err
	}
	if existing != nil {
		// The reply was persisted on an earlier attempt; only the
		// delivery needs repeating. The gateway dedupes by message id
		// if that attempt actually went through.
		slog.Debug("orchestrator.turn.duplicate", "message_id", userMessage.UID, "correlation_id", envelope.CorrelationID)
		return w.delivery.Deliver(ctx, conversation.UID, existing)
	}

	return w.processTurn(ctx, conversation, userMessage)
}

// clampContent truncates a reply to the content bound the store
// enforces on every message.
func clampContent(content string) string {
	runes := []rune(content)
	if len(runes) <= store.MaxContentRunes {
		return content
	}
	return string(runes[:store.MaxContentRunes])
}

// existingReply looks for a persisted reply to the user message.
func (w *Worker) existingReply(ctx context.Context, conversationID int64, userMessageUID string) (*store.Message, error) {
	recent, err := w.store.ListRecentMessages(ctx, conversationID, w.config.HistoryDepth*2)
	if err != nil {
		return nil, err
	}
	for _, m := range recent {
		if m.Role != store.RoleAssistant || m.Metadata == "" {
			continue
		}
		var meta replyMetadata
		if json.Unmarshal([]byte(m.Metadata), &meta) == nil && meta.ReplyTo == userMessageUID {
			return m, nil
		}
	}
	return nil, nil
}

func (w *Worker) processTurn(ctx context.Context, conversation *store.Conversation, userMessage *store.Message) error {
	decision := w.classifier.Classify(ctx, userMessage.Content)

	history, err := w.contextWindow(ctx, conversation.ID, userMessage.UID)
	if err != nil {
		return err
	}

	var content string
	var stats *llm.CallStats
	var llmErr error
	if w.llm == nil {
		// No provider configured. The turn still produces a visible
		// reply instead of crashing the consumer.
		llmErr = errors.New("no llm provider configured")
	} else {
		// The service applies its own request timeout; this bound
		// protects the turn against implementations that do not.
		llmCtx, cancel := context.WithTimeout(ctx, w.config.TurnTimeout)
		start := time.Now()
		content, stats, llmErr = w.llm.Chat(llmCtx, buildPrompt(history, userMessage.Content, decision))
		cancel()
		w.metrics.LLMLatency.Observe(time.Since(start).Seconds())
	}

	meta := replyMetadata{
		ReplyTo:        userMessage.UID,
		Classification: decision,
	}
	status := "ok"
	if llmErr != nil {
		// The failure becomes a visible reply through the same
		// persist-and-deliver path, and the envelope is still acked;
		// retrying the LLM here would hold the turn hostage.
		slog.Error("orchestrator.llm.failed",
			"conversation_id", conversation.UID,
			"message_id", userMessage.UID,
			"correlation_id", userMessage.CorrelationID,
			"error", llmErr,
		)
		content = errorReplyContent
		if w.llm == nil {
			content = unconfiguredReplyContent
		}
		meta.IsError = true
		meta.Classification = nil
		status = "error"
	} else if stats != nil {
		meta.TotalTokens = stats.TotalTokens
	}
	content = clampContent(content)

	rawMeta, err := json.Marshal(&meta)
	if err != nil {
		return err
	}

	reply, err := w.store.AppendMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.RoleAssistant,
		SenderID:       AgentSenderID,
		Content:        content,
		CorrelationID:  userMessage.CorrelationID,
		Metadata:       string(rawMeta),
	})
	if err != nil {
		return err
	}

	if err := w.delivery.Deliver(ctx, conversation.UID, reply); err != nil {
		// The reply is persisted; redelivery of the envelope finds it
		// via alreadyReplied and only the delivery repeats.
		return err
	}

	w.metrics.TurnsProcessed.WithLabelValues(status).Inc()
	slog.Info("orchestrator.turn.done",
		"conversation_id", conversation.UID,
		"reply_id", reply.UID,
		"correlation_id", userMessage.CorrelationID,
		"status", status,
		"strategy", decision.Strategy,
		"classifier", decision.ClassifierUsed,
	)
	return nil
}

// contextWindow returns up to HistoryDepth prior messages, oldest
// first, excluding the message being answered.
func (w *Worker) contextWindow(ctx context.Context, conversationID int64, currentUID string) ([]*store.Message, error) {
	recent, err := w.store.ListRecentMessages(ctx, conversationID, w.config.HistoryDepth+1)
	if err != nil {
		return nil, err
	}
	window := make([]*store.Message, 0, len(recent))
	for _, m := range recent {
		if m.UID == currentUID {
			continue
		}
		window = append(window, m)
	}
	if len(window) > w.config.HistoryDepth {
		window = window[len(window)-w.config.HistoryDepth:]
	}
	return window, nil
}
