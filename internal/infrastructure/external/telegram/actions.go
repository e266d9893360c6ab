package telegram

import (
	"context"

	"github.com/modularbot/bot-factory/internal/domain/handler"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// BoundActions adapts the client to handler.ChatActions, fixing the
// token of the bot the update arrived on. Handlers act only as
// themselves, never as another bot.
type BoundActions struct {
	client *Client
	token  shared.BotToken
}

// Bind returns chat actions scoped to one bot token.
func (c *Client) Bind(token shared.BotToken) *BoundActions {
	return &BoundActions{client: c, token: token}
}

var _ handler.ChatActions = (*BoundActions)(nil)

// SendMessage sends free-form text to any chat the bot can reach.
func (a *BoundActions) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := a.client.SendText(ctx, a.token, chatID, text)
	return err
}

// DeleteMessage removes a message from the chat.
func (a *BoundActions) DeleteMessage(ctx context.Context, chatID int64, messageID int64) error {
	return a.client.DeleteMessage(ctx, a.token, chatID, messageID)
}

// Kick removes a user without a lasting ban.
func (a *BoundActions) Kick(ctx context.Context, chatID int64, userID shared.TelegramID) error {
	return a.client.KickChatMember(ctx, a.token, chatID, int64(userID))
}

// Ban permanently removes a user.
func (a *BoundActions) Ban(ctx context.Context, chatID int64, userID shared.TelegramID) error {
	return a.client.BanChatMember(ctx, a.token, chatID, int64(userID))
}

// Mute revokes a user's send permission; seconds 0 means forever.
func (a *BoundActions) Mute(ctx context.Context, chatID int64, userID shared.TelegramID, seconds int64) error {
	return a.client.MuteChatMember(ctx, a.token, chatID, int64(userID), seconds)
}

// Unmute restores default send permissions.
func (a *BoundActions) Unmute(ctx context.Context, chatID int64, userID shared.TelegramID) error {
	return a.client.UnmuteChatMember(ctx, a.token, chatID, int64(userID))
}

// IsAdmin reports whether the user administers the chat.
func (a *BoundActions) IsAdmin(ctx context.Context, chatID int64, userID shared.TelegramID) (bool, error) {
	return a.client.IsChatAdmin(ctx, a.token, chatID, int64(userID))
}
