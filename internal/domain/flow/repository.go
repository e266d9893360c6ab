package flow

import (
	"context"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// Window selects which timestamp bounds an analytics query.
type Window string

const (
	// WindowStart filters flows by created_at.
	WindowStart Window = "start"
	// WindowActivity filters flows by updated_at.
	WindowActivity Window = "activity"
)

// IsValid checks the window selector.
func (w Window) IsValid() bool {
	return w == WindowStart || w == WindowActivity
}

// StageCounts is the raw per-stage rollup used by the funnel report.
type StageCounts struct {
	// ReachedStage[k] counts flows whose current_stage >= k, for k = 1..5.
	ReachedStage map[shared.Stage]int64

	// Cancelled and Failed count terminal flows in the window.
	Cancelled int64
	Failed    int64

	// UniqueUsers is the distinct user_id count.
	UniqueUsers int64

	// Total is the number of flows in the window.
	Total int64
}

// UserFunnelStat is one user's aggregate across their flows.
type UserFunnelStat struct {
	UserID       shared.TelegramID
	MaxStage     shared.Stage
	Attempts     int64
	LatestStatus Status
	LatestAt     time.Time
}

// Repository defines durable operations on creation flows.
// The implementation lives in infrastructure/persistence/mongo.
type Repository interface {
	// ─────────────────────────────────────────────────────────────────────────
	// Lifecycle
	// ─────────────────────────────────────────────────────────────────────────

	// Insert stores a freshly started flow.
	Insert(ctx context.Context, f *BotFlow) error

	// FindByID returns a flow by its identifier.
	// Returns shared.ErrFlowNotFound when absent.
	FindByID(ctx context.Context, id shared.FlowID) (*BotFlow, error)

	// FindActive returns the user's most recent in-flight flow
	// (final_status unset). Returns shared.ErrFlowNotFound when absent.
	FindActive(ctx context.Context, userID shared.TelegramID) (*BotFlow, error)

	// FindByTokenID returns the flow bound to a token prefix.
	// Returns shared.ErrFlowNotFound when absent.
	FindByTokenID(ctx context.Context, tokenID shared.BotTokenID) (*BotFlow, error)

	// ─────────────────────────────────────────────────────────────────────────
	// Guarded transitions
	// The guard conditions run inside the store's update filter so that
	// concurrent writers converge without client-side locking.
	// ─────────────────────────────────────────────────────────────────────────

	// AcceptToken binds tokenID to the flow and advances it to stage 2.
	// Returns shared.ErrTokenAlreadyUsed when the partial unique index on
	// bot_token_id rejects the write, and shared.ErrStageRegression when
	// the flow already moved past stage 1.
	AcceptToken(ctx context.Context, id shared.FlowID, tokenID shared.BotTokenID) error

	// AdvanceStage applies the Stage Guardrail: the update is applied only
	// when stage is strictly greater than the stored current_stage and
	// final_status is unset. A rejected update returns
	// shared.ErrStageRegression.
	AdvanceStage(ctx context.Context, id shared.FlowID, stage shared.Stage, status Status) error

	// SetHandlerName records the generated handler's name on the flow.
	SetHandlerName(ctx context.Context, id shared.FlowID, name shared.HandlerName) error

	// Finalize records a terminal failed/cancelled outcome at any stage.
	Finalize(ctx context.Context, id shared.FlowID, final FinalStatus, reason string) error

	// Activate atomically promotes the flow to activated/stage 5.
	// Returns shared.ErrFlowAlreadyFinal when the flow was already
	// activated, so the caller can keep the activation event at-most-once.
	Activate(ctx context.Context, id shared.FlowID) error

	// ─────────────────────────────────────────────────────────────────────────
	// Analytics aggregates (read-only)
	// ─────────────────────────────────────────────────────────────────────────

	// CountStages computes the per-stage rollup for flows inside the window.
	CountStages(ctx context.Context, since time.Time, window Window) (*StageCounts, error)

	// UserBreakdown groups flows by user. stage filters to users whose max
	// stage equals it (0 = all); limit bounds the result.
	UserBreakdown(ctx context.Context, since time.Time, stage shared.Stage, limit int) ([]UserFunnelStat, error)
}
