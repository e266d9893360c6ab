package jobs

import (
	"context"
	"log/slog"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP CONVERSATIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// ConversationSweeper drops expired dialogue state. Implemented by
// creation.Service.
type ConversationSweeper interface {
	SweepConversations() int
}

// SweepConversationsJob evicts creation-flow conversations that have
// been idle past their TTL. Expired entries are also dropped lazily on
// access; the sweep keeps memory bounded when users simply walk away.
type SweepConversationsJob struct {
	sweeper ConversationSweeper
	logger  *slog.Logger
}

// NewSweepConversationsJob creates the job.
func NewSweepConversationsJob(sweeper ConversationSweeper, logger *slog.Logger) *SweepConversationsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepConversationsJob{sweeper: sweeper, logger: logger}
}

// Name returns the unique job name.
func (j *SweepConversationsJob) Name() string {
	return "sweep_conversations"
}

// Description returns a human-readable description.
func (j *SweepConversationsJob) Description() string {
	return "Evict expired creation-flow conversation state"
}

// Run performs one sweep.
func (j *SweepConversationsJob) Run(_ context.Context) error {
	if removed := j.sweeper.SweepConversations(); removed > 0 {
		j.logger.Debug("swept expired conversations", "removed", removed)
	}
	return nil
}
