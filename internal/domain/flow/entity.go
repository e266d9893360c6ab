package flow

import (
	"time"

	"github.com/google/uuid"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// Status represents the lifecycle status of a creation flow.
type Status string

const (
	// StatusStarted - flow row created, nothing submitted yet.
	StatusStarted Status = "started"
	// StatusWaitingToken - intro shown, waiting for a BotFather token.
	StatusWaitingToken Status = "waiting_token"
	// StatusWaitingDescription - token accepted, waiting for the bot spec.
	StatusWaitingDescription Status = "waiting_description"
	// StatusCreating - handler generation in progress.
	StatusCreating Status = "creating"
	// StatusCreated - handler stored, token registered, webhook installed.
	StatusCreated Status = "created"
	// StatusCreatedWebhookPending - handler stored and registered, but the
	// webhook installation retries were exhausted. Still a success for the
	// user; the webhook is reinstalled on the next deployment restart.
	StatusCreatedWebhookPending Status = "created_webhook_pending"
	// StatusActivated - the creator sent at least one message to the new bot.
	StatusActivated Status = "activated"
	// StatusFailed - terminal failure.
	StatusFailed Status = "failed"
	// StatusCancelled - the user cancelled the flow.
	StatusCancelled Status = "cancelled"
)

// IsValid checks that the status is one of the known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusStarted, StatusWaitingToken, StatusWaitingDescription,
		StatusCreating, StatusCreated, StatusCreatedWebhookPending,
		StatusActivated, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the flow.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusActivated, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FinalStatus represents the terminal outcome of a flow.
// Empty means the flow is still in flight.
type FinalStatus string

const (
	FinalNone      FinalStatus = ""
	FinalActivated FinalStatus = "activated"
	FinalFailed    FinalStatus = "failed"
	FinalCancelled FinalStatus = "cancelled"
)

// IsSet reports whether a terminal outcome was recorded.
func (f FinalStatus) IsSet() bool {
	return f != FinalNone
}

// ══════════════════════════════════════════════════════════════════════════════
// BOT FLOW ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// BotFlow is one user's one attempt to create one bot.
type BotFlow struct {
	// ID is the flow identifier (UUIDv4).
	ID shared.FlowID

	// UserID is the Telegram user driving the flow.
	UserID shared.TelegramID

	// CreatorID equals UserID at creation; kept separately because the
	// activation probe matches it against arbitrary webhook senders.
	CreatorID shared.TelegramID

	// Status is the current lifecycle status.
	Status Status

	// CurrentStage is the funnel stage (1..5). Monotonically non-decreasing
	// while FinalStatus is unset.
	CurrentStage shared.Stage

	// BotTokenID is the non-secret token prefix, set when a token is
	// accepted. Unique across all flows (partial unique index).
	BotTokenID shared.BotTokenID

	// HandlerName is set once generation succeeds.
	HandlerName shared.HandlerName

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time

	// FinalStatus is the terminal outcome, unset while in flight.
	FinalStatus FinalStatus

	// FailReason carries a short machine-readable reason for failed flows.
	FailReason string

	// StageTimes maps a stage number to the instant it was first entered.
	StageTimes map[shared.Stage]time.Time
}

// NewBotFlow starts a new flow for the given user.
func NewBotFlow(userID shared.TelegramID) (*BotFlow, error) {
	if !userID.IsValid() {
		return nil, shared.NewDomainError("flow", "New", shared.ErrInvalidID, "user ID must be positive")
	}

	now := time.Now().UTC()
	return &BotFlow{
		ID:           shared.FlowID(uuid.NewString()),
		UserID:       userID,
		CreatorID:    userID,
		Status:       StatusWaitingToken,
		CurrentStage: shared.StageStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
		StageTimes:   map[shared.Stage]time.Time{shared.StageStarted: now},
	}, nil
}

// InFlight reports whether the flow has no terminal outcome yet.
func (f *BotFlow) InFlight() bool {
	return !f.FinalStatus.IsSet()
}

// AdvanceStage moves the flow to a strictly greater stage with the given
// status. This is the Stage Guardrail: regressions and repeats return
// ErrStageRegression; terminal flows return ErrFlowAlreadyFinal.
func (f *BotFlow) AdvanceStage(stage shared.Stage, status Status) error {
	if f.FinalStatus.IsSet() {
		return shared.ErrFlowAlreadyFinal
	}
	if !stage.IsValid() {
		return shared.NewDomainError("flow", "AdvanceStage", shared.ErrValueOutOfRange, "stage must be 1..5")
	}
	if stage <= f.CurrentStage {
		return shared.ErrStageRegression
	}

	now := time.Now().UTC()
	f.CurrentStage = stage
	f.Status = status
	f.UpdatedAt = now
	if f.StageTimes == nil {
		f.StageTimes = make(map[shared.Stage]time.Time)
	}
	if _, seen := f.StageTimes[stage]; !seen {
		f.StageTimes[stage] = now
	}
	return nil
}

// AcceptToken binds the token prefix to the flow and advances to stage 2.
// Uniqueness across flows is the persistence layer's responsibility.
func (f *BotFlow) AcceptToken(tokenID shared.BotTokenID) error {
	if !tokenID.IsValid() {
		return shared.ErrInvalidBotToken
	}
	if err := f.AdvanceStage(shared.StageTokenAccepted, StatusWaitingDescription); err != nil {
		return err
	}
	f.BotTokenID = tokenID
	return nil
}

// Fail terminates the flow with a failure. Per the guardrail exception,
// a failure may be recorded at any stage.
func (f *BotFlow) Fail(reason string) error {
	if f.FinalStatus.IsSet() {
		return shared.ErrFlowAlreadyFinal
	}
	now := time.Now().UTC()
	f.Status = StatusFailed
	f.FinalStatus = FinalFailed
	f.FailReason = reason
	f.UpdatedAt = now
	f.CompletedAt = now
	return nil
}

// Cancel terminates the flow on user request.
func (f *BotFlow) Cancel() error {
	if f.FinalStatus.IsSet() {
		return shared.ErrFlowAlreadyFinal
	}
	now := time.Now().UTC()
	f.Status = StatusCancelled
	f.FinalStatus = FinalCancelled
	f.UpdatedAt = now
	f.CompletedAt = now
	return nil
}

// Activate records that the creator messaged the new bot. Idempotent:
// an already-activated flow returns ErrFlowAlreadyFinal.
func (f *BotFlow) Activate() error {
	if f.FinalStatus.IsSet() {
		return shared.ErrFlowAlreadyFinal
	}
	now := time.Now().UTC()
	f.Status = StatusActivated
	f.FinalStatus = FinalActivated
	if f.CurrentStage < shared.StageActivated {
		f.CurrentStage = shared.StageActivated
		if f.StageTimes == nil {
			f.StageTimes = make(map[shared.Stage]time.Time)
		}
		if _, seen := f.StageTimes[shared.StageActivated]; !seen {
			f.StageTimes[shared.StageActivated] = now
		}
	}
	f.UpdatedAt = now
	f.CompletedAt = now
	return nil
}
