package plugin

import (
	"context"
	"strconv"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// BUILTIN: FACTORY STATUS
// ══════════════════════════════════════════════════════════════════════════════

// StatusHandlerName is the registry name of the compiled-in status widget.
const StatusHandlerName = shared.HandlerName("factory_status")

// StatusHandler is a compiled-in handler that only contributes a
// dashboard card: how many handlers the factory is running and whether
// any are quarantined.
type StatusHandler struct {
	cache *Cache
}

// NewStatusHandler creates the status builtin over a cache.
func NewStatusHandler(cache *Cache) *StatusHandler {
	return &StatusHandler{cache: cache}
}

// Name returns the handler's registry name.
func (s *StatusHandler) Name() shared.HandlerName {
	return StatusHandlerName
}

// Capabilities reports that this builtin is widget-only.
func (s *StatusHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{HasWidget: true}
}

// Widget returns the dashboard card.
func (s *StatusHandler) Widget() handler.Widget {
	status := handler.WidgetSuccess
	label := "loaded handlers"
	if n := len(s.cache.Quarantined()); n > 0 {
		status = handler.WidgetWarning
		label = "loaded handlers, " + strconv.Itoa(n) + " quarantined"
	}
	return handler.Widget{
		Title:  "Factory Status",
		Value:  strconv.Itoa(s.cache.Count()),
		Label:  label,
		Status: status,
		Icon:   "🏭",
	}
}

// HandleMessage is not served by this builtin.
func (s *StatusHandler) HandleMessage(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	return nil, nil
}

// HandleCallback is not served by this builtin.
func (s *StatusHandler) HandleCallback(ctx context.Context, mc *handler.MessageContext) (*handler.Reply, error) {
	return nil, nil
}
