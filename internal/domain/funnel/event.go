// Package funnel contains the append-only analytics records of the bot
// creation funnel: one event per stage transition plus lightweight user
// action marks. Events are idempotent by construction, keyed on an
// explicit identifier derived from the event kind and the flow, so that
// retried writes collapse into a single record.
package funnel

import (
	"fmt"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT KINDS
// ══════════════════════════════════════════════════════════════════════════════

// EventKind names one funnel transition.
type EventKind string

const (
	KindFlowStarted              EventKind = "flow_started"
	KindTokenAccepted            EventKind = "token_accepted"
	KindTokenAlreadyUsed         EventKind = "token_already_used"
	KindDescriptionSubmitted     EventKind = "description_submitted"
	KindBotCreated               EventKind = "bot_created"
	KindBotCreatedWebhookPending EventKind = "bot_created_webhook_pending"
	KindBotActivatedByCreator    EventKind = "bot_activated_by_creator"
	KindFlowCancelled            EventKind = "flow_cancelled"
	KindCreationFailed           EventKind = "creation_failed"
)

// IsValid checks that the kind is one of the known values.
func (k EventKind) IsValid() bool {
	switch k {
	case KindFlowStarted, KindTokenAccepted, KindTokenAlreadyUsed,
		KindDescriptionSubmitted, KindBotCreated, KindBotCreatedWebhookPending,
		KindBotActivatedByCreator, KindFlowCancelled, KindCreationFailed:
		return true
	}
	return false
}

// Stage maps the kind to the funnel stage it marks, 0 when the kind is
// not a stage transition (token_already_used is a friction signal, not
// progress).
func (k EventKind) Stage() shared.Stage {
	switch k {
	case KindFlowStarted:
		return shared.StageStarted
	case KindTokenAccepted:
		return shared.StageTokenAccepted
	case KindDescriptionSubmitted:
		return shared.StageDescriptionSubmitted
	case KindBotCreated, KindBotCreatedWebhookPending:
		return shared.StageCreated
	case KindBotActivatedByCreator:
		return shared.StageActivated
	}
	return 0
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT
// ══════════════════════════════════════════════════════════════════════════════

// Event is one append-only funnel record.
type Event struct {
	// Key is the idempotency identifier, "{kind}_{flow_id}". Writing the
	// same key twice is a no-op at the store.
	Key string

	Kind   EventKind
	FlowID shared.FlowID
	UserID shared.TelegramID

	// BotTokenID names the bot the event is about, empty for events
	// recorded before a token was bound to the flow.
	BotTokenID shared.BotTokenID

	// Stage is the funnel stage this event marks, 0 for non-stage kinds.
	Stage shared.Stage

	// Reason carries the failure reason for creation_failed events.
	Reason string

	At time.Time
}

// EventKey builds the idempotency key for a kind and flow. Activation
// events use the same scheme, so a flow activates at most once no matter
// how many webhook updates the creator's first messages produce.
func EventKey(kind EventKind, flowID shared.FlowID) string {
	return fmt.Sprintf("%s_%s", kind, flowID)
}

// NewEvent builds a validated funnel event with its idempotency key.
func NewEvent(kind EventKind, flowID shared.FlowID, userID shared.TelegramID) (*Event, error) {
	if !kind.IsValid() {
		return nil, shared.NewDomainError("funnel", "NewEvent", shared.ErrInvalidFormat, "unknown event kind")
	}
	if !flowID.IsValid() {
		return nil, shared.ErrInvalidID
	}
	return &Event{
		Key:    EventKey(kind, flowID),
		Kind:   kind,
		FlowID: flowID,
		UserID: userID,
		Stage:  kind.Stage(),
		At:     time.Now().UTC(),
	}, nil
}

// WithReason attaches a failure reason and returns the event for chaining.
func (e *Event) WithReason(reason string) *Event {
	e.Reason = reason
	return e
}

// WithToken attaches the bot token ID and returns the event for chaining.
func (e *Event) WithToken(tokenID shared.BotTokenID) *Event {
	e.BotTokenID = tokenID
	return e
}
