package bus_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeforge-ai/codeforge/bus"
	"github.com/codeforge-ai/codeforge/internal/metrics"
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

func fastConfig(maxAttempts int) bus.Config {
	return bus.Config{
		MaxAttempts:    maxAttempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Lease:          time.Minute,
		Workers:        1,
	}
}

func stopBus(t *testing.T, b bus.EventBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestStoreBusDeliversAndAcks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := bus.NewStoreBus(st, fastConfig(3), metrics.New())

	received := make(chan *bus.Envelope, 1)
	b.Subscribe(bus.TopicMessageSent, func(_ context.Context, envelope *bus.Envelope) error {
		received <- envelope
		return nil
	})

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, "corr-1", &bus.MessageSent{
		ConversationUID: "conv-1",
		MessageUID:      "msg-1",
		Content:         "hello",
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.TopicMessageSent, envelope))

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)

	select {
	case got := <-received:
		assert.Equal(t, "corr-1", got.CorrelationID)
		var event bus.MessageSent
		require.NoError(t, got.Decode(&event))
		assert.Equal(t, "msg-1", event.MessageUID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not delivered")
	}

	done := store.BusEventDone
	require.Eventually(t, func() bool {
		rows, err := st.ListBusEvents(ctx, &store.FindBusEvent{Status: &done})
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStoreBusRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := bus.NewStoreBus(st, fastConfig(5), metrics.New())

	var calls atomic.Int32
	b.Subscribe(bus.TopicMessageSent, func(context.Context, *bus.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, "corr-retry", &bus.MessageSent{MessageUID: "msg-1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.TopicMessageSent, envelope))

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)

	done := store.BusEventDone
	require.Eventually(t, func() bool {
		rows, err := st.ListBusEvents(ctx, &store.FindBusEvent{Status: &done})
		return err == nil && len(rows) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStoreBusDeadLettersAfterAttemptBudget(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := bus.NewStoreBus(st, fastConfig(2), metrics.New())

	var calls atomic.Int32
	b.Subscribe(bus.TopicMessageSent, func(context.Context, *bus.Envelope) error {
		calls.Add(1)
		return errors.New("permanent failure")
	})

	envelope, err := bus.NewEnvelope(bus.TopicMessageSent, "corr-dead", &bus.MessageSent{MessageUID: "msg-1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.TopicMessageSent, envelope))

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)

	require.Eventually(t, func() bool {
		letters, err := b.DeadLetters(ctx, bus.TopicMessageSent, 10)
		return err == nil && len(letters) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())

	letters, err := b.DeadLetters(ctx, bus.TopicMessageSent, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "corr-dead", letters[0].CorrelationID)
}

func TestStoreBusDeadLettersMalformedPayload(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := bus.NewStoreBus(st, fastConfig(5), metrics.New())

	var calls atomic.Int32
	b.Subscribe(bus.TopicMessageSent, func(context.Context, *bus.Envelope) error {
		calls.Add(1)
		return nil
	})

	// Bypass Publish to plant a payload that can never decode.
	_, err := st.EnqueueBusEvent(ctx, &store.BusEvent{
		Topic:   bus.TopicMessageSent,
		Payload: "this is not json",
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)

	dead := store.BusEventDead
	require.Eventually(t, func() bool {
		rows, err := st.ListBusEvents(ctx, &store.FindBusEvent{Status: &dead})
		return err == nil && len(rows) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 0, calls.Load())
}

func TestMemoryBusRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(fastConfig(5), metrics.New())

	var calls atomic.Int32
	delivered := make(chan struct{})
	b.Subscribe(bus.TopicAgentResponse, func(context.Context, *bus.Envelope) error {
		if calls.Add(1) < 3 {
			return errors.New("transient failure")
		}
		close(delivered)
		return nil
	})

	envelope, err := bus.NewEnvelope(bus.TopicAgentResponse, "corr-mem", &bus.AgentResponse{MessageUID: "msg-1"})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)
	require.NoError(t, b.Publish(ctx, bus.TopicAgentResponse, envelope))

	select {
	case <-delivered:
		assert.EqualValues(t, 3, calls.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("envelope was not delivered")
	}
	assert.Empty(t, b.DeadLetters())
}

func TestMemoryBusDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemoryBus(fastConfig(2), metrics.New())

	var calls atomic.Int32
	b.Subscribe(bus.TopicAgentResponse, func(context.Context, *bus.Envelope) error {
		calls.Add(1)
		return errors.New("permanent failure")
	})

	envelope, err := bus.NewEnvelope(bus.TopicAgentResponse, "corr-mem-dead", &bus.AgentResponse{MessageUID: "msg-1"})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer stopBus(t, b)
	require.NoError(t, b.Publish(ctx, bus.TopicAgentResponse, envelope))

	require.Eventually(t, func() bool {
		return len(b.DeadLetters()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "corr-mem-dead", b.DeadLetters()[0].CorrelationID)
}
