// Package handler defines the contract every bot handler fulfils,
// whether compiled in (builtins) or loaded from a JavaScript artifact.
// Dispatch only ever talks to this interface.
package handler

import (
	"context"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CAPABILITIES
// ══════════════════════════════════════════════════════════════════════════════

// Capabilities describes which entry points a handler implements.
// Probed once at load time; dispatch skips entry points a handler
// does not declare.
type Capabilities struct {
	HasWidget         bool
	HasHandleMessage  bool
	HasHandleCallback bool
}

// Any reports whether the handler implements at least one entry point.
// A handler with no entry points is unloadable.
func (c Capabilities) Any() bool {
	return c.HasWidget || c.HasHandleMessage || c.HasHandleCallback
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLIES
// ══════════════════════════════════════════════════════════════════════════════

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Reply is what a handler wants sent back to the chat. A nil *Reply
// means "handled, nothing to send".
type Reply struct {
	Text string

	// Keyboard is an optional inline keyboard, rows of buttons.
	Keyboard [][]Button

	// ParseMode is the Telegram formatting mode ("", "HTML", "MarkdownV2").
	ParseMode string

	// DisablePreview suppresses link previews.
	DisablePreview bool
}

// Widget statuses accepted by the dashboard.
const (
	WidgetSuccess = "success"
	WidgetWarning = "warning"
	WidgetDanger  = "danger"
	WidgetInfo    = "info"
)

// Widget is the handler's self-description for the dashboard.
type Widget struct {
	Title  string `json:"title"`
	Value  string `json:"value"`
	Label  string `json:"label,omitempty"`
	Status string `json:"status,omitempty"`
	Icon   string `json:"icon,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// MESSAGE CONTEXT
// ══════════════════════════════════════════════════════════════════════════════

// MessageContext is everything a handler may need while serving one
// update: the inbound payload plus chat-level actions scoped to the bot
// token the update arrived on.
type MessageContext struct {
	// BotToken is the token of the bot that received the update.
	BotToken shared.BotToken

	ChatID    int64
	ChatType  string
	ChatTitle string

	UserID    shared.TelegramID
	Username  string
	FirstName string
	LastName  string

	// Text is the message text, empty for callback updates.
	Text string

	// CallbackID and CallbackData are set for callback updates only.
	CallbackID   string
	CallbackData string

	// MessageID is the inbound message identifier.
	MessageID int64

	// IsGroup reports whether the chat is a group or supergroup;
	// IsPrivate whether it is a one-on-one chat.
	IsGroup   bool
	IsPrivate bool

	// SenderIsAdmin is resolved lazily by group handlers that need it;
	// the dispatcher leaves it false for private chats.
	SenderIsAdmin bool

	// Actions exposes side-effecting chat operations. May be nil in
	// tests; handlers must tolerate that for pure request/reply logic.
	Actions ChatActions
}

// ChatActions are the moderation and chat operations a handler may
// invoke beyond replying. Implemented by the Telegram client, bound to
// the receiving bot's token.
type ChatActions interface {
	// SendMessage sends free-form text to any chat the bot can reach.
	SendMessage(ctx context.Context, chatID int64, text string) error

	// DeleteMessage removes a message from the chat.
	DeleteMessage(ctx context.Context, chatID int64, messageID int64) error

	// Kick removes a user without a lasting ban (ban then lift).
	Kick(ctx context.Context, chatID int64, userID shared.TelegramID) error

	// Ban permanently removes a user.
	Ban(ctx context.Context, chatID int64, userID shared.TelegramID) error

	// Mute revokes a user's send permission; seconds 0 means forever.
	Mute(ctx context.Context, chatID int64, userID shared.TelegramID, seconds int64) error

	// Unmute restores default send permissions.
	Unmute(ctx context.Context, chatID int64, userID shared.TelegramID) error

	// IsAdmin reports whether the user administers the chat.
	IsAdmin(ctx context.Context, chatID int64, userID shared.TelegramID) (bool, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// Handler serves updates for one registered bot.
type Handler interface {
	// Name returns the handler's registry name.
	Name() shared.HandlerName

	// Capabilities reports which of the methods below are meaningful.
	Capabilities() Capabilities

	// Widget returns the dashboard card. Only called when
	// Capabilities().HasWidget.
	Widget() Widget

	// HandleMessage serves one text message. A nil reply with nil error
	// means handled silently.
	HandleMessage(ctx context.Context, mc *MessageContext) (*Reply, error)

	// HandleCallback serves one inline-keyboard callback.
	HandleCallback(ctx context.Context, mc *MessageContext) (*Reply, error)
}
