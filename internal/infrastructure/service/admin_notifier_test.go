package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/messaging"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	to   []int64
}

func (s *recordingSender) SendText(_ context.Context, _ shared.BotToken, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	s.to = append(s.to, chatID)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newNotifier(t *testing.T, chatID int64) (*AdminNotifier, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	n := NewAdminNotifier(sender, "999:primarytoken", chatID, nil)
	t.Cleanup(n.Close)
	return n, sender
}

func TestHandle_SendsToAdminChat(t *testing.T) {
	n, sender := newNotifier(t, 42)

	require.NoError(t, n.Handle(shared.NewHandlerQuarantinedEvent("bot_123", "syntax_error: x")))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "bot_123")
	assert.Contains(t, msgs[0], "syntax_error")
	assert.Equal(t, []int64{42}, sender.to)
}

func TestHandle_CooldownCollapsesBursts(t *testing.T) {
	n, sender := newNotifier(t, 42)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Handle(shared.NewSynthesisQuotaEvent("flow-1", "bot_1", 429, "quota")))
	}
	assert.Len(t, sender.messages(), 1)

	// A different kind is not suppressed.
	require.NoError(t, n.Handle(shared.NewSynthesisAPIErrorEvent("flow-1", "bot_1", 500, "boom")))
	assert.Len(t, sender.messages(), 2)
}

func TestHandle_NoAdminConfiguredIsNoOp(t *testing.T) {
	n, sender := newNotifier(t, 0)

	require.NoError(t, n.Handle(shared.NewConfigMissingEvent("ADMIN_CHAT_ID", "notifications disabled")))
	assert.Empty(t, sender.messages())
}

func TestRegister_ReceivesBusEvents(t *testing.T) {
	cfg := messaging.DefaultEventBusConfig()
	cfg.AsyncMode = false
	bus := NewBusForTest(t, cfg)

	n, sender := newNotifier(t, 42)
	require.NoError(t, n.Register(bus))

	require.NoError(t, bus.Publish(shared.NewConfigMissingEvent("ANTHROPIC_API_KEY", "synthesis disabled")))
	// Flow-failure events are analytics-only, not operator pages.
	require.NoError(t, bus.Publish(shared.NewFlowFailedEvent("flow-1", 7, 3, "synthesis_busy")))

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "ANTHROPIC_API_KEY")
}

// NewBusForTest builds a bus and ties its shutdown to the test.
func NewBusForTest(t *testing.T, cfg messaging.EventBusConfig) *messaging.InMemoryEventBus {
	t.Helper()
	bus := messaging.NewInMemoryEventBus(cfg)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}
