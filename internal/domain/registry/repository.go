package registry

import (
	"context"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// Repository defines durable operations on the token→handler registry.
// The implementation lives in infrastructure/persistence/mongo.
type Repository interface {
	// Lookup resolves the handler bound to a token.
	// Returns shared.ErrBotNotRegistered when the token is unknown.
	Lookup(ctx context.Context, token shared.BotToken) (*Entry, error)

	// Register upserts the binding keyed by token, replacing any previous
	// handler bound to the same token.
	Register(ctx context.Context, e *Entry) error

	// Exists reports whether the token is already registered. Used by the
	// creation funnel to reject reused tokens before the flow advances.
	Exists(ctx context.Context, token shared.BotToken) (bool, error)

	// Delete removes the binding for a token.
	Delete(ctx context.Context, token shared.BotToken) error

	// DeleteByHandlerName removes every binding that points at the named
	// handler. Called during quarantine; returns the number removed.
	DeleteByHandlerName(ctx context.Context, name shared.HandlerName) (int64, error)

	// CountCreatedBy counts registrations by one user since the given
	// instant. Backs the per-user registration rate limit.
	CountCreatedBy(ctx context.Context, userID shared.TelegramID, since time.Time) (int64, error)

	// List returns all entries, most recent first, bounded by limit
	// (0 = no bound). Used by the dashboard and the startup webhook sweep.
	List(ctx context.Context, limit int) ([]*Entry, error)

	// Count returns the number of registered bots.
	Count(ctx context.Context) (int64, error)
}
