package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/codeforge-ai/codeforge/internal/metrics"
)

// MemoryBus keeps envelopes in process. Delivery semantics mirror the
// durable bus (retry with backoff, dead-letter after the attempt
// budget) but nothing survives a restart. Development and tests only.
type MemoryBus struct {
	config  Config
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]Handler
	queues   map[string]chan *Envelope
	dead     []*Envelope
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

const memoryQueueDepth = 1024

func NewMemoryBus(config Config, m *metrics.Metrics) *MemoryBus {
	return &MemoryBus{
		config:   config.withDefaults(),
		metrics:  m,
		handlers: map[string]Handler{},
		queues:   map[string]chan *Envelope{},
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, envelope *Envelope) error {
	b.mu.Lock()
	queue, ok := b.queues[topic]
	if !ok {
		queue = make(chan *Envelope, memoryQueueDepth)
		b.queues[topic] = queue
	}
	b.mu.Unlock()

	select {
	case queue <- envelope:
	default:
		return errors.Errorf("bus queue full for topic %s", topic)
	}
	if b.metrics != nil {
		b.metrics.BusPublished.WithLabelValues(topic).Inc()
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	if _, ok := b.queues[topic]; !ok {
		b.queues[topic] = make(chan *Envelope, memoryQueueDepth)
	}
}

func (b *MemoryBus) Start(ctx context.Context) error {
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
			go b.consumeLoop(runCtx, topic, b.queues[topic])
		}
	}
	slog.Info("bus.started", "mode", "memory", "topics", len(b.handlers), "workers", b.config.Workers)
	return nil
}

func (b *MemoryBus) Stop(ctx context.Context) error {
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
		slog.Warn("bus.stop.timeout", "mode", "memory")
		return ctx.Err()
	}
}

func (b *MemoryBus) consumeLoop(ctx context.Context, topic string, queue chan *Envelope) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case envelope := <-queue:
			b.deliver(ctx, topic, envelope)
		}
	}
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, envelope *Envelope) {
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()

	backoff := b.config.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := handler(ctx, envelope)
		if err == nil {
			if b.metrics != nil {
				b.metrics.BusDelivered.WithLabelValues(topic).Inc()
			}
			return
		}
		if attempt >= b.config.MaxAttempts {
			slog.Error("bus.envelope.dead", "topic", topic, "attempts", attempt, "correlation_id", envelope.CorrelationID, "error", err)
			b.mu.Lock()
			b.dead = append(b.dead, envelope)
			b.mu.Unlock()
			if b.metrics != nil {
				b.metrics.BusDead.WithLabelValues(topic).Inc()
			}
			return
		}

		slog.Warn("bus.delivery.failed", "topic", topic, "attempt", attempt, "correlation_id", envelope.CorrelationID, "error", err)
		if b.metrics != nil {
			b.metrics.BusRetries.WithLabelValues(topic).Inc()
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if backoff < b.config.MaxBackoff {
			backoff *= 2
		}
	}
}

// DeadLetters returns a copy of the in-memory dead-letter set.
func (b *MemoryBus) DeadLetters() []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Envelope, len(b.dead))
	copy(out, b.dead)
	return out
}
