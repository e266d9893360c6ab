package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

func syncBus() *InMemoryEventBus {
	cfg := DefaultEventBusConfig()
	cfg.AsyncMode = false
	return NewInMemoryEventBus(cfg)
}

func TestPublish_RoutesByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var quarantined, all []shared.EventType
	require.NoError(t, bus.Subscribe(shared.EventHandlerQuarantined, func(e shared.Event) error {
		quarantined = append(quarantined, e.EventType())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, e.EventType())
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewHandlerQuarantinedEvent("bot_1", "syntax_error")))
	require.NoError(t, bus.Publish(shared.NewBotActivatedEvent("flow-1", 7, "123")))

	assert.Equal(t, []shared.EventType{shared.EventHandlerQuarantined}, quarantined)
	assert.Equal(t, []shared.EventType{shared.EventHandlerQuarantined, shared.EventBotActivated}, all)
}

func TestPublish_HandlerErrorDoesNotPropagate(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	require.NoError(t, bus.Subscribe(shared.EventFlowFailed, func(shared.Event) error {
		return errors.New("notifier down")
	}))

	assert.NoError(t, bus.Publish(shared.NewFlowFailedEvent("flow-1", 7, 3, "synthesis_quota")))

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Executions)
	assert.Less(t, snap.SuccessRate, 1.0)
}

func TestPublish_AsyncDeliversAll(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultEventBusConfig())
	defer bus.Close()

	const n = 25
	done := make(chan struct{}, n)
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		done <- struct{}{}
		return nil
	}))

	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(shared.NewConfigMissingEvent("ANTHROPIC_API_KEY", "synthesis disabled")))
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("delivered %d of %d events", i, n)
		}
	}
}

func TestClosedBus_RejectsOperations(t *testing.T) {
	bus := syncBus()
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(shared.NewConfigMissingEvent("X", "y")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventBotCreated, func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close())
}
