// Package service contains operational glue that is neither domain nor
// transport: subscribers reacting to bus events on behalf of the
// operator.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/pkg/logger"
	"github.com/modularbot/bot-factory/pkg/ttlcache"
)

// notifyCooldown is the minimum gap between two notifications of the
// same event kind. Bursts (a quarantine storm, a quota outage) collapse
// into one message.
const notifyCooldown = 5 * time.Minute

// sendTimeout bounds the outbound Telegram call per notification.
const sendTimeout = 10 * time.Second

// TextSender is the one Telegram capability the notifier needs.
type TextSender interface {
	SendText(ctx context.Context, token shared.BotToken, chatID int64, text string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN NOTIFIER
// ══════════════════════════════════════════════════════════════════════════════

// AdminNotifier forwards operator-relevant bus events to the admin's
// Telegram chat via the factory's primary bot. Best-effort: a failed
// send is logged and dropped.
type AdminNotifier struct {
	sender      TextSender
	token       shared.BotToken
	adminChatID int64
	log         *logger.Logger

	// recent tracks event kinds notified within the cooldown.
	recent *ttlcache.Cache[shared.EventType, time.Time]
}

// NewAdminNotifier creates the notifier. It does nothing until
// Register is called on a bus.
func NewAdminNotifier(sender TextSender, token shared.BotToken, adminChatID int64, log *logger.Logger) *AdminNotifier {
	if log == nil {
		log = logger.Default()
	}
	return &AdminNotifier{
		sender:      sender,
		token:       token,
		adminChatID: adminChatID,
		log:         log.With(logger.Component("admin_notifier")),
		recent:      ttlcache.New[shared.EventType, time.Time](notifyCooldown),
	}
}

// Close releases the cooldown cache.
func (n *AdminNotifier) Close() {
	n.recent.Close()
}

// Register subscribes the notifier to the operator-relevant event types.
func (n *AdminNotifier) Register(bus shared.EventSubscriber) error {
	for _, eventType := range []shared.EventType{
		shared.EventSynthesisQuotaExhausted,
		shared.EventSynthesisAPIError,
		shared.EventHandlerQuarantined,
		shared.EventConfigMissing,
		shared.EventWebhookPending,
	} {
		if err := bus.Subscribe(eventType, n.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle is the bus callback: format, rate-limit, send.
func (n *AdminNotifier) Handle(event shared.Event) error {
	if n.adminChatID == 0 {
		return nil
	}

	if !n.recent.SetIfAbsent(event.EventType(), time.Now().UTC()) {
		n.log.Debug("notification suppressed by cooldown",
			logger.String("event_type", string(event.EventType())))
		return nil
	}

	text := formatNotification(event)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := n.sender.SendText(ctx, n.token, n.adminChatID, text); err != nil {
		n.log.Warn("admin notification failed",
			logger.String("event_type", string(event.EventType())), logger.Err(err))
	}
	return nil
}

// formatNotification renders the operator message for one event.
// Operator messages are English; only end-user surfaces are Hebrew.
func formatNotification(event shared.Event) string {
	p := event.Payload()
	switch event.EventType() {
	case shared.EventSynthesisQuotaExhausted:
		return fmt.Sprintf("🚨 Synthesis quota exhausted\nhandler: %v\ndetail: %v",
			p["handler_name"], p["detail"])
	case shared.EventSynthesisAPIError:
		return fmt.Sprintf("⚠️ Synthesis provider error\nhandler: %v\ndetail: %v",
			p["handler_name"], p["detail"])
	case shared.EventHandlerQuarantined:
		return fmt.Sprintf("🧟 Handler quarantined: %v\nreason: %v",
			p["handler_name"], p["reason"])
	case shared.EventConfigMissing:
		return fmt.Sprintf("🔧 Missing configuration: %v\nimpact: %v",
			p["key"], p["impact"])
	case shared.EventWebhookPending:
		return fmt.Sprintf("📡 Bot created with webhook pending\nhandler: %v\nuser: %v",
			p["handler_name"], p["user_id"])
	}
	return ""
}
