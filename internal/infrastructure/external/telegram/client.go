// Package telegram implements a multi-tenant Telegram Bot API wrapper.
// Unlike a single-bot client, every call takes the token of the bot it
// acts as: the factory speaks for its own primary bot and for every
// child bot in the registry through the same client.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the Telegram client.
type ClientConfig struct {
	// BaseURL is the Telegram Bot API base URL (default: https://api.telegram.org)
	BaseURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests
	RetryAttempts int

	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// Debug enables debug logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:       "https://api.telegram.org",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TELEGRAM API TYPES
// ══════════════════════════════════════════════════════════════════════════════

// Update represents a Telegram update.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64           `json:"message_id"`
	From      *User           `json:"from,omitempty"`
	Chat      *Chat           `json:"chat"`
	Date      int64           `json:"date"`
	Text      string          `json:"text,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`

	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

// User represents a Telegram user.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// FullName returns the user's full name.
func (u *User) FullName() string {
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// Chat represents a Telegram chat.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// MessageEntity represents a message entity (command, mention, etc.).
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	User   *User  `json:"user,omitempty"`
}

// CallbackQuery represents a callback query from an inline keyboard.
type CallbackQuery struct {
	ID              string   `json:"id"`
	From            *User    `json:"from"`
	Message         *Message `json:"message,omitempty"`
	InlineMessageID string   `json:"inline_message_id,omitempty"`
	Data            string   `json:"data,omitempty"`
}

// ChatMember represents a chat member with its status.
type ChatMember struct {
	Status string `json:"status"`
	User   *User  `json:"user"`
}

// ChatPermissions mirrors the restrictChatMember permissions object.
type ChatPermissions struct {
	CanSendMessages      bool `json:"can_send_messages"`
	CanSendAudios        bool `json:"can_send_audios"`
	CanSendDocuments     bool `json:"can_send_documents"`
	CanSendPhotos        bool `json:"can_send_photos"`
	CanSendVideos        bool `json:"can_send_videos"`
	CanSendOtherMessages bool `json:"can_send_other_messages"`
	CanAddWebPreviews    bool `json:"can_add_web_page_previews"`
}

// InlineKeyboardMarkup represents an inline keyboard.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton represents a button in an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// APIResponse represents a Telegram API response.
type APIResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Description string              `json:"description,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

// ResponseParameters contains additional error parameters.
type ResponseParameters struct {
	MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
	RetryAfter      int   `json:"retry_after,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is a token-parameterized Telegram Bot API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	apiCalls atomic.Int64
}

// NewClient creates a new Telegram client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.telegram.org"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: config.Logger,
	}
}

// APICalls returns the total number of API calls made. Feeds the dashboard.
func (c *Client) APICalls() int64 {
	return c.apiCalls.Load()
}

// ══════════════════════════════════════════════════════════════════════════════
// SENDING MESSAGES
// ══════════════════════════════════════════════════════════════════════════════

// SendMessageParams contains parameters for sending a message.
type SendMessageParams struct {
	ChatID              int64
	Text                string
	ParseMode           string // "HTML", "Markdown", "MarkdownV2"
	DisableNotification bool
	DisableWebPreview   bool
	ReplyToMessageID    int64
	ReplyMarkup         *InlineKeyboardMarkup
}

// SendMessage sends a text message as the bot identified by token.
func (c *Client) SendMessage(ctx context.Context, token shared.BotToken, params SendMessageParams) (*Message, error) {
	body := map[string]interface{}{
		"chat_id": params.ChatID,
		"text":    params.Text,
	}

	if params.ParseMode != "" {
		body["parse_mode"] = params.ParseMode
	}
	if params.DisableNotification {
		body["disable_notification"] = true
	}
	if params.DisableWebPreview {
		body["disable_web_page_preview"] = true
	}
	if params.ReplyToMessageID > 0 {
		body["reply_to_message_id"] = params.ReplyToMessageID
	}
	if params.ReplyMarkup != nil {
		body["reply_markup"] = params.ReplyMarkup
	}

	var message Message
	if err := c.callAPI(ctx, token, "sendMessage", body, &message); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	return &message, nil
}

// SendText is a convenience method for sending plain text.
func (c *Client) SendText(ctx context.Context, token shared.BotToken, chatID int64, text string) (*Message, error) {
	return c.SendMessage(ctx, token, SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
}

// SendHTML sends an HTML-formatted message.
func (c *Client) SendHTML(ctx context.Context, token shared.BotToken, chatID int64, html string) (*Message, error) {
	return c.SendMessage(ctx, token, SendMessageParams{
		ChatID:    chatID,
		Text:      html,
		ParseMode: "HTML",
	})
}

// SendWithKeyboard sends a message with an inline keyboard.
func (c *Client) SendWithKeyboard(ctx context.Context, token shared.BotToken, chatID int64, text string, keyboard [][]InlineKeyboardButton) (*Message, error) {
	return c.SendMessage(ctx, token, SendMessageParams{
		ChatID: chatID,
		Text:   text,
		ReplyMarkup: &InlineKeyboardMarkup{
			InlineKeyboard: keyboard,
		},
	})
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, token shared.BotToken, chatID int64, messageID int64) error {
	body := map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	}

	var result bool
	if err := c.callAPI(ctx, token, "deleteMessage", body, &result); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// AnswerCallbackQuery answers a callback query.
func (c *Client) AnswerCallbackQuery(ctx context.Context, token shared.BotToken, callbackQueryID string, text string, showAlert bool) error {
	body := map[string]interface{}{
		"callback_query_id": callbackQueryID,
	}

	if text != "" {
		body["text"] = text
		body["show_alert"] = showAlert
	}

	var result bool
	if err := c.callAPI(ctx, token, "answerCallbackQuery", body, &result); err != nil {
		return fmt.Errorf("answer callback query: %w", err)
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MODERATION
// ══════════════════════════════════════════════════════════════════════════════

// BanChatMember permanently removes a user from a chat.
func (c *Client) BanChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64) error {
	body := map[string]interface{}{
		"chat_id": chatID,
		"user_id": userID,
	}

	var result bool
	if err := c.callAPI(ctx, token, "banChatMember", body, &result); err != nil {
		return fmt.Errorf("ban chat member: %w", err)
	}
	return nil
}

// UnbanChatMember lifts a ban. only_if_banned keeps it harmless for
// users who were never banned.
func (c *Client) UnbanChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64) error {
	body := map[string]interface{}{
		"chat_id":        chatID,
		"user_id":        userID,
		"only_if_banned": true,
	}

	var result bool
	if err := c.callAPI(ctx, token, "unbanChatMember", body, &result); err != nil {
		return fmt.Errorf("unban chat member: %w", err)
	}
	return nil
}

// KickChatMember removes a user without a lasting ban: ban then lift.
func (c *Client) KickChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64) error {
	if err := c.BanChatMember(ctx, token, chatID, userID); err != nil {
		return err
	}
	return c.UnbanChatMember(ctx, token, chatID, userID)
}

// RestrictChatMember applies a permissions object to a user.
// untilDate 0 means the restriction is permanent.
func (c *Client) RestrictChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64, perms ChatPermissions, untilDate int64) error {
	body := map[string]interface{}{
		"chat_id":     chatID,
		"user_id":     userID,
		"permissions": perms,
	}
	if untilDate > 0 {
		body["until_date"] = untilDate
	}

	var result bool
	if err := c.callAPI(ctx, token, "restrictChatMember", body, &result); err != nil {
		return fmt.Errorf("restrict chat member: %w", err)
	}
	return nil
}

// MuteChatMember revokes a user's send permission; seconds 0 = forever.
func (c *Client) MuteChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64, seconds int64) error {
	var until int64
	if seconds > 0 {
		until = time.Now().Unix() + seconds
	}
	return c.RestrictChatMember(ctx, token, chatID, userID, ChatPermissions{}, until)
}

// UnmuteChatMember restores default send permissions.
func (c *Client) UnmuteChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64) error {
	perms := ChatPermissions{
		CanSendMessages:      true,
		CanSendAudios:        true,
		CanSendDocuments:     true,
		CanSendPhotos:        true,
		CanSendVideos:        true,
		CanSendOtherMessages: true,
		CanAddWebPreviews:    true,
	}
	return c.RestrictChatMember(ctx, token, chatID, userID, perms, 0)
}

// GetChatMember returns a member's status in a chat.
func (c *Client) GetChatMember(ctx context.Context, token shared.BotToken, chatID int64, userID int64) (*ChatMember, error) {
	body := map[string]interface{}{
		"chat_id": chatID,
		"user_id": userID,
	}

	var member ChatMember
	if err := c.callAPI(ctx, token, "getChatMember", body, &member); err != nil {
		return nil, fmt.Errorf("get chat member: %w", err)
	}
	return &member, nil
}

// IsChatAdmin reports whether the user administers the chat.
func (c *Client) IsChatAdmin(ctx context.Context, token shared.BotToken, chatID int64, userID int64) (bool, error) {
	member, err := c.GetChatMember(ctx, token, chatID, userID)
	if err != nil {
		return false, err
	}
	return member.Status == "administrator" || member.Status == "creator", nil
}

// ══════════════════════════════════════════════════════════════════════════════
// WEBHOOKS AND BOT INFO
// ══════════════════════════════════════════════════════════════════════════════

// SetWebhook installs a webhook for the bot. One attempt, no retries.
func (c *Client) SetWebhook(ctx context.Context, token shared.BotToken, url string) error {
	body := map[string]interface{}{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}

	var result bool
	if err := c.callAPI(ctx, token, "setWebhook", body, &result); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}

	return nil
}

// InstallWebhook installs a webhook under the webhook retry profile:
// three attempts spaced 2/4/8 seconds with growing per-attempt deadlines.
// Failures with a permanent cause (bad token, malformed URL) abort early.
func (c *Client) InstallWebhook(ctx context.Context, token shared.BotToken, url string) error {
	return retry.WebhookInstallRetrier().Do(ctx, func(ctx context.Context) error {
		err := c.SetWebhook(ctx, token, url)
		if err == nil {
			return nil
		}
		if c.isRetryableError(err) {
			return retry.Retryable(err)
		}
		return retry.Permanent(err)
	})
}

// DeleteWebhook removes the webhook.
func (c *Client) DeleteWebhook(ctx context.Context, token shared.BotToken, dropPendingUpdates bool) error {
	body := map[string]interface{}{
		"drop_pending_updates": dropPendingUpdates,
	}

	var result bool
	if err := c.callAPI(ctx, token, "deleteWebhook", body, &result); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}

	return nil
}

// GetMe returns information about the bot behind the token. Doubles as
// the cheapest way to verify a token against the Bot API.
func (c *Client) GetMe(ctx context.Context, token shared.BotToken) (*User, error) {
	var user User
	if err := c.callAPI(ctx, token, "getMe", nil, &user); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}

	return &user, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// KEYBOARD BUILDERS
// ══════════════════════════════════════════════════════════════════════════════

// KeyboardBuilder helps build inline keyboards fluently.
type KeyboardBuilder struct {
	rows [][]InlineKeyboardButton
}

// NewKeyboard creates a new keyboard builder.
func NewKeyboard() *KeyboardBuilder {
	return &KeyboardBuilder{
		rows: make([][]InlineKeyboardButton, 0),
	}
}

// Row adds a new row of buttons.
func (kb *KeyboardBuilder) Row(buttons ...InlineKeyboardButton) *KeyboardBuilder {
	kb.rows = append(kb.rows, buttons)
	return kb
}

// Button creates a callback button.
func Button(text, callbackData string) InlineKeyboardButton {
	return InlineKeyboardButton{
		Text:         text,
		CallbackData: callbackData,
	}
}

// URLButton creates a URL button.
func URLButton(text, url string) InlineKeyboardButton {
	return InlineKeyboardButton{
		Text: text,
		URL:  url,
	}
}

// Build returns the inline keyboard markup.
func (kb *KeyboardBuilder) Build() *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: kb.rows}
}

// ══════════════════════════════════════════════════════════════════════════════
// API CALL HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// callAPI makes a call to the Telegram Bot API with retries.
func (c *Client) callAPI(ctx context.Context, token shared.BotToken, method string, body map[string]interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doAPICall(ctx, token, method, body, result)
		if err == nil {
			return nil
		}

		lastErr = err

		if !c.isRetryableError(err) {
			return err
		}

		// Honor rate limit hints from the API.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
			}
		}
	}

	return fmt.Errorf("api call failed after %d retries: %w", c.config.RetryAttempts, lastErr)
}

// doAPICall performs a single API call.
func (c *Client) doAPICall(ctx context.Context, token shared.BotToken, method string, body map[string]interface{}, result interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, token, method)

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.apiCalls.Add(1)
	if c.config.Debug {
		// Never the token itself.
		c.logger.Debug("telegram api call", "method", method, "bot", token.Masked())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if !apiResp.OK {
		apiErr := &APIError{
			Code:        apiResp.ErrorCode,
			Description: apiResp.Description,
		}
		if apiResp.Parameters != nil {
			apiErr.RetryAfter = apiResp.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// APIError represents a Telegram API error.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// IsUnauthorized reports an invalid or revoked token.
func (e *APIError) IsUnauthorized() bool {
	return e.Code == 401
}

// isRetryableError checks if an error is retryable.
func (c *Client) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return true
		}
		if apiErr.Code >= 500 {
			return true
		}
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return false
		}
	}

	// Network errors are retryable.
	errStr := strings.ToLower(err.Error())
	for _, sub := range []string{"timeout", "connection refused", "temporary", "reset"} {
		if strings.Contains(errStr, sub) {
			return true
		}
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// UTILITY METHODS
// ══════════════════════════════════════════════════════════════════════════════

// ExtractCommand extracts the command from a message (without the /).
func ExtractCommand(msg *Message) string {
	if msg == nil || msg.Text == "" {
		return ""
	}

	for _, entity := range msg.Entities {
		if entity.Type == "bot_command" && entity.Offset == 0 {
			cmd := msg.Text[1:entity.Length] // Skip the /
			// Remove bot username if present (@botname)
			if at := strings.IndexByte(cmd, '@'); at >= 0 {
				return cmd[:at]
			}
			return cmd
		}
	}

	// Commands arrive without entities when forwarded by some clients.
	if strings.HasPrefix(msg.Text, "/") {
		cmd := strings.Fields(msg.Text[1:])
		if len(cmd) > 0 {
			if at := strings.IndexByte(cmd[0], '@'); at >= 0 {
				return cmd[0][:at]
			}
			return cmd[0]
		}
	}

	return ""
}

// ExtractCommandArgs extracts arguments after the command.
func ExtractCommandArgs(msg *Message) string {
	if msg == nil || msg.Text == "" {
		return ""
	}

	for _, entity := range msg.Entities {
		if entity.Type == "bot_command" && entity.Offset == 0 {
			if entity.Length < len(msg.Text) {
				return strings.TrimPrefix(msg.Text[entity.Length:], " ")
			}
		}
	}

	return ""
}

// IsPrivateChat checks if the message is from a private chat.
func IsPrivateChat(msg *Message) bool {
	return msg != nil && msg.Chat != nil && msg.Chat.Type == "private"
}

// IsGroupChat checks if the message is from a group chat.
func IsGroupChat(msg *Message) bool {
	if msg == nil || msg.Chat == nil {
		return false
	}
	return msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
}
