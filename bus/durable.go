package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/internal/metrics"
	"github.com/codeforge-ai/codeforge/store"
)

// Config tunes delivery behavior shared by the bus implementations.
type Config struct {
	MaxAttempts    int           // attempts before dead-letter
	InitialBackoff time.Duration // doubled per failed attempt
	MaxBackoff     time.Duration
	PollInterval   time.Duration // claim polling for the store queue
	Lease          time.Duration // inflight lease before redelivery
	Workers        int           // competing consumers per topic
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// StoreBus is the durable bus: envelopes live in the bus_event table
// and survive process restarts. Delivery is at-least-once; a consumer
// that crashes mid-handling loses its lease and the envelope is
// reclaimed.
type StoreBus struct {
	store   *store.Store
	config  Config
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewStoreBus creates a durable bus on top of the store queue.
func NewStoreBus(st *store.Store, config Config, m *metrics.Metrics) *StoreBus {
	return &StoreBus{
		store:    st,
		config:   config.withDefaults(),
		metrics:  m,
		handlers: map[string]Handler{},
	}
}

func (b *StoreBus) Publish(ctx context.Context, topic string, envelope *Envelope) error {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal envelope")
	}
	if _, err := b.store.EnqueueBusEvent(ctx, &store.BusEvent{
		Topic:         topic,
		Payload:       string(raw),
		CorrelationID: envelope.CorrelationID,
	}); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.BusPublished.WithLabelValues(topic).Inc()
	}
	slog.Debug("bus.envelope.published", "topic", topic, "type", envelope.Type, "correlation_id", envelope.CorrelationID)
	return nil
}

func (b *StoreBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

func (b *StoreBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bus already started")
	}
	b.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	for topic := range b.handlers {
		for i := 0; i < b.config.Workers; i++ {
			b.wg.Add(1)
			go b.consumeLoop(runCtx, topic)
		}
	}
	slog.Info("bus.started", "mode", "store", "topics", len(b.handlers), "workers", b.config.Workers)
	return nil
}

// Stop cancels claiming and waits for in-flight handlers up to the
// context deadline. Unfinished envelopes are redelivered after their
// lease expires.
func (b *StoreBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("bus.stop.timeout", "mode", "store")
		return ctx.Err()
	}
}

func (b *StoreBus) consumeLoop(ctx context.Context, topic string) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := b.store.ClaimBusEvents(ctx, topic, b.config.Lease, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("bus.claim.failed", "topic", topic, "error", err)
			b.sleep(ctx, b.config.PollInterval)
			continue
		}
		if len(events) == 0 {
			b.sleep(ctx, b.config.PollInterval)
			continue
		}
		for _, event := range events {
			b.deliver(ctx, topic, event)
		}
	}
}

func (b *StoreBus) deliver(ctx context.Context, topic string, event *store.BusEvent) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()

	var envelope Envelope
	if err := json.Unmarshal([]byte(event.Payload), &envelope); err != nil {
		// A malformed payload can never succeed; dead-letter it
		// immediately instead of burning attempts.
		slog.Error("bus.envelope.malformed", "topic", topic, "id", event.ID, "error", err)
		b.fail(ctx, topic, event, true, err)
		return
	}

	if err := handler(ctx, &envelope); err != nil {
		dead := event.Attempts >= b.config.MaxAttempts
		slog.Warn("bus.delivery.failed",
			"topic", topic,
			"id", event.ID,
			"attempt", event.Attempts,
			"dead", dead,
			"correlation_id", envelope.CorrelationID,
			"error", err,
		)
		b.fail(ctx, topic, event, dead, err)
		return
	}

	if err := b.store.AckBusEvent(ctx, event.ID); err != nil {
		// The handler succeeded but the ack did not persist; the
		// envelope will be redelivered, which idempotent handlers
		// absorb.
		slog.Error("bus.ack.failed", "topic", topic, "id", event.ID, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.BusDelivered.WithLabelValues(topic).Inc()
	}
}

func (b *StoreBus) fail(ctx context.Context, topic string, event *store.BusEvent, dead bool, cause error) {
	fail := &store.FailBusEvent{
		ID:        event.ID,
		Dead:      dead,
		LastError: cause.Error(),
	}
	if !dead {
		fail.NextAttemptTs = time.Now().Add(b.backoff(event.Attempts)).Unix()
	}
	if err := b.store.FailBusEvent(ctx, fail); err != nil {
		slog.Error("bus.fail.update_failed", "topic", topic, "id", event.ID, "error", err)
		return
	}
	if b.metrics != nil {
		if dead {
			b.metrics.BusDead.WithLabelValues(topic).Inc()
			slog.Error("bus.envelope.dead", "topic", topic, "id", event.ID, "attempts", event.Attempts)
		} else {
			b.metrics.BusRetries.WithLabelValues(topic).Inc()
		}
	}
}

// backoff returns the delay before the next attempt, doubling per
// failed attempt up to the configured cap.
func (b *StoreBus) backoff(attempts int) time.Duration {
	d := b.config.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.config.MaxBackoff {
			return b.config.MaxBackoff
		}
	}
	return d
}

func (b *StoreBus) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// DeadLetters lists dead envelopes of a topic for operator inspection.
func (b *StoreBus) DeadLetters(ctx context.Context, topic string, limit int) ([]*Envelope, error) {
	status := store.BusEventDead
	find := &store.FindBusEvent{Status: &status, Limit: &limit}
	if topic != "" {
		find.Topic = &topic
	}
	rows, err := b.store.ListBusEvents(ctx, find)
	if err != nil {
		return nil, err
	}
	list := make([]*Envelope, 0, len(rows))
	for _, row := range rows {
		var envelope Envelope
		if err := json.Unmarshal([]byte(row.Payload), &envelope); err != nil {
			continue
		}
		list = append(list, &envelope)
	}
	return list, nil
}
