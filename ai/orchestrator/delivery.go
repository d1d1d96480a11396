package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/store"
)

// Delivery hands a persisted agent reply back toward the gateway.
// Exactly one implementation is active per deployment.
type Delivery interface {
	Deliver(ctx context.Context, conversationUID string, message *store.Message) error
}

// BusDelivery publishes the reply on the agent-response topic; the
// gateway consumes it and fans out to the conversation group.
type BusDelivery struct {
	eventBus bus.EventBus
}

func NewBusDelivery(eb bus.EventBus) *BusDelivery {
	return &BusDelivery{eventBus: eb}
}

func (d *BusDelivery) Deliver(ctx context.Context, conversationUID string, message *store.Message) error {
	var metadata json.RawMessage
	if message.Metadata != "" {
		metadata = json.RawMessage(message.Metadata)
	}
	envelope, err := bus.NewEnvelope(bus.TopicAgentResponse, message.CorrelationID, &bus.AgentResponse{
		ConversationUID: conversationUID,
		MessageUID:      message.UID,
		Content:         message.Content,
		Metadata:        metadata,
	})
	if err != nil {
		return err
	}
	return d.eventBus.Publish(ctx, bus.TopicAgentResponse, envelope)
}

// CallbackDelivery posts the reply to the gateway's internal endpoint.
// Used when the orchestrator runs out of process from the gateway and
// no shared bus is deployed.
type CallbackDelivery struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewCallbackDelivery(baseURL, token string, timeout time.Duration) *CallbackDelivery {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CallbackDelivery{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type callbackRequest struct {
	MessageID     string          `json:"messageId,omitempty"`
	Content       string          `json:"content"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func (d *CallbackDelivery) Deliver(ctx context.Context, conversationUID string, message *store.Message) error {
	var metadata json.RawMessage
	if message.Metadata != "" {
		metadata = json.RawMessage(message.Metadata)
	}
	body, err := json.Marshal(&callbackRequest{
		MessageID:     message.UID,
		Content:       message.Content,
		Metadata:      metadata,
		CorrelationID: message.CorrelationID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal callback body")
	}

	url := fmt.Sprintf("%s/api/v1/conversations/%s/agent-response", d.baseURL, conversationUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "callback request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.Errorf("callback rejected with status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
