package funnel

import (
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// UserAction is a lightweight interaction mark written on every inbound
// update a handler serves. Unlike Event it carries no idempotency key:
// each interaction counts. Backs the per-user activity view.
type UserAction struct {
	UserID shared.TelegramID

	// HandlerName is the handler that served the interaction.
	HandlerName shared.HandlerName

	// Action is a short verb: "message", "callback", "command".
	Action string

	At time.Time
}

// Action verbs recorded by the dispatch layer.
const (
	ActionMessage  = "message"
	ActionCallback = "callback"
	ActionCommand  = "command"
)

// NewUserAction builds a validated action mark.
func NewUserAction(userID shared.TelegramID, name shared.HandlerName, action string) (*UserAction, error) {
	if !userID.IsValid() {
		return nil, shared.ErrInvalidID
	}
	if action == "" {
		return nil, shared.NewDomainError("funnel", "NewUserAction", shared.ErrInvalidFormat, "action must not be empty")
	}
	return &UserAction{
		UserID:      userID,
		HandlerName: name,
		Action:      action,
		At:          time.Now().UTC(),
	}, nil
}
