// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"fmt"
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// TelegramID represents a unique Telegram user identifier.
type TelegramID int64

// IsValid checks if the Telegram ID is valid (positive number).
func (t TelegramID) IsValid() bool {
	return t > 0
}

// Int64 returns the underlying int64 value.
func (t TelegramID) Int64() int64 {
	return int64(t)
}

// String returns the string representation.
func (t TelegramID) String() string {
	return fmt.Sprintf("%d", t)
}

// NewTelegramID creates a new TelegramID with validation.
func NewTelegramID(id int64) (TelegramID, error) {
	if id <= 0 {
		return 0, NewDomainError("shared", "NewTelegramID", ErrInvalidID, "telegram ID must be positive")
	}
	return TelegramID(id), nil
}

// FlowID represents a unique creation-flow identifier (UUID format).
type FlowID string

// UUID validation regex (simple version).
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValid checks if the flow ID is a valid UUID.
func (f FlowID) IsValid() bool {
	return uuidRegex.MatchString(string(f))
}

// String returns the string representation.
func (f FlowID) String() string {
	return string(f)
}

// IsEmpty checks if the ID is empty.
func (f FlowID) IsEmpty() bool {
	return f == ""
}

// NewFlowID creates a new FlowID with validation.
func NewFlowID(id string) (FlowID, error) {
	fid := FlowID(strings.ToLower(strings.TrimSpace(id)))
	if !fid.IsValid() {
		return "", NewDomainError("shared", "NewFlowID", ErrInvalidID, "invalid flow ID format")
	}
	return fid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Bot Token Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// BotToken represents a Telegram bot token issued by BotFather.
// Tokens are opaque secrets; never log the full value.
type BotToken string

// MinBotTokenLength is the acceptance floor for submitted tokens.
const MinBotTokenLength = 20

// IsValid checks the acceptance rule: at least one ':' and length >= 20.
func (t BotToken) IsValid() bool {
	s := string(t)
	return len(s) >= MinBotTokenLength && strings.Contains(s, ":")
}

// String returns the raw token. Required for webhook paths and API URLs.
func (t BotToken) String() string {
	return string(t)
}

// TokenID derives the non-secret identifier of this token.
func (t BotToken) TokenID() BotTokenID {
	return DeriveBotTokenID(string(t))
}

// Masked returns a log-safe representation: the token ID plus a marker.
func (t BotToken) Masked() string {
	return string(t.TokenID()) + ":****"
}

// NewBotToken creates a BotToken with validation.
func NewBotToken(raw string) (BotToken, error) {
	t := BotToken(strings.TrimSpace(raw))
	if !t.IsValid() {
		return "", ErrInvalidBotToken
	}
	return t, nil
}

// BotTokenID is the non-secret prefix of a bot token: the portion before
// the first ':', or the first 10 characters when no colon is present.
// Used as the public identifier of a bot in flows, events and actions.
type BotTokenID string

// DeriveBotTokenID applies the derivation rule to an arbitrary string.
func DeriveBotTokenID(raw string) BotTokenID {
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		return BotTokenID(raw[:idx])
	}
	if len(raw) > 10 {
		return BotTokenID(raw[:10])
	}
	return BotTokenID(raw)
}

// IsValid checks that the token ID is non-empty.
func (b BotTokenID) IsValid() bool {
	return len(b) > 0
}

// String returns the string representation.
func (b BotTokenID) String() string {
	return string(b)
}

// ═══════════════════════════════════════════════════════════════════════════
// Handler Name Value Object
// ═══════════════════════════════════════════════════════════════════════════

// HandlerName identifies a handler artifact.
type HandlerName string

// Valid handler names are identifiers: letter or underscore first,
// then letters, digits and underscores.
var handlerNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValid checks if the handler name is a valid identifier.
func (h HandlerName) IsValid() bool {
	return handlerNameRegex.MatchString(string(h))
}

// String returns the string representation.
func (h HandlerName) String() string {
	return string(h)
}

// FileName returns the artifact file name for this handler.
func (h HandlerName) FileName() string {
	return string(h) + ".js"
}

// NewHandlerName creates a HandlerName with validation.
func NewHandlerName(name string) (HandlerName, error) {
	h := HandlerName(strings.TrimSpace(name))
	if !h.IsValid() {
		return "", ErrInvalidHandlerName
	}
	return h, nil
}

// HandlerNameForToken derives the generated handler's name from a token ID.
func HandlerNameForToken(id BotTokenID) HandlerName {
	return HandlerName("bot_" + string(id))
}

// ═══════════════════════════════════════════════════════════════════════════
// Funnel Stage Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Stage represents progress through the creation funnel (1..5).
type Stage int

const (
	// StageStarted - flow row created, intro shown.
	StageStarted Stage = 1
	// StageTokenAccepted - a valid, unused token was submitted.
	StageTokenAccepted Stage = 2
	// StageDescriptionSubmitted - natural-language spec received, creation begun.
	StageDescriptionSubmitted Stage = 3
	// StageCreated - artifact stored and token registered (webhook may be pending).
	StageCreated Stage = 4
	// StageActivated - the creator messaged the new bot at least once.
	StageActivated Stage = 5
)

// MinStage and MaxStage bound the funnel.
const (
	MinStage = StageStarted
	MaxStage = StageActivated
)

// IsValid checks if the stage is within the funnel range.
func (s Stage) IsValid() bool {
	return s >= MinStage && s <= MaxStage
}

// Int returns the underlying int value.
func (s Stage) Int() int {
	return int(s)
}

// Name returns a short identifier for logs and reports.
func (s Stage) Name() string {
	switch s {
	case StageStarted:
		return "started"
	case StageTokenAccepted:
		return "token_accepted"
	case StageDescriptionSubmitted:
		return "description_submitted"
	case StageCreated:
		return "created"
	case StageActivated:
		return "activated"
	default:
		return "unknown"
	}
}
