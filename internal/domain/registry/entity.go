// Package registry contains the durable binding of a Telegram bot token
// to the handler artifact that serves it. The registry is the dispatch
// layer's source of truth: a webhook update on an unknown token is
// silently dropped, and quarantining a broken handler deletes its row.
package registry

import (
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// Entry binds one bot token to one handler artifact.
// Entries are created when a creation flow succeeds and are never
// mutated; re-registering a token replaces the whole entry.
type Entry struct {
	// Token is the full BotFather token. Unique key.
	Token shared.BotToken

	// HandlerName references the artifact that serves this token.
	HandlerName shared.HandlerName

	// CreatedAt is the registration instant (UTC).
	CreatedAt time.Time

	// CreatedByUserID is the creator, 0 for entries registered out of band.
	CreatedByUserID shared.TelegramID
}

// NewEntry validates and builds a registry entry.
func NewEntry(token shared.BotToken, name shared.HandlerName, creator shared.TelegramID) (*Entry, error) {
	if !token.IsValid() {
		return nil, shared.ErrInvalidBotToken
	}
	if !name.IsValid() {
		return nil, shared.ErrInvalidHandlerName
	}
	return &Entry{
		Token:           token,
		HandlerName:     name,
		CreatedAt:       time.Now().UTC(),
		CreatedByUserID: creator,
	}, nil
}

// TokenID derives the non-secret identifier of the bound token.
func (e *Entry) TokenID() shared.BotTokenID {
	return e.Token.TokenID()
}
