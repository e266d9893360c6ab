package handler

import (
	"context"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// StateStore persists the per-user key/value state a handler keeps
// between updates. One document per (handler, user, key); the value is
// JSON the handler itself produced and the factory never interprets it.
type StateStore interface {
	// Save stores the value, replacing any previous one.
	Save(ctx context.Context, name shared.HandlerName, userID int64, key string, value []byte) error

	// Load returns the stored value, nil when nothing was saved yet.
	Load(ctx context.Context, name shared.HandlerName, userID int64, key string) ([]byte, error)

	// DeleteByHandler drops all state of one handler. Called on quarantine.
	DeleteByHandler(ctx context.Context, name shared.HandlerName) (int64, error)
}
