// Package jobs contains the factory's scheduled jobs. Each job keeps
// one piece of runtime state honest: the plugin cache against the
// handler directory, and the conversation cache against its TTLs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SYNC PLUGINS JOB
// ══════════════════════════════════════════════════════════════════════════════

// PluginSyncer reconciles the in-memory handler cache with the handler
// directory on disk. Implemented by plugin.Cache.
type PluginSyncer interface {
	Sync(ctx context.Context) (loaded, failed int, err error)
	Count() int
	Quarantined() map[shared.HandlerName]string
}

// SyncPluginsJob periodically reconciles the plugin cache with the
// handler directory, so handlers added or edited out-of-band (directly
// on disk, or restored from the artifact store) become servable without
// a restart.
type SyncPluginsJob struct {
	cache  PluginSyncer
	logger *slog.Logger
}

// NewSyncPluginsJob creates the job.
func NewSyncPluginsJob(cache PluginSyncer, logger *slog.Logger) *SyncPluginsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncPluginsJob{cache: cache, logger: logger}
}

// Name returns the unique job name.
func (j *SyncPluginsJob) Name() string {
	return "sync_plugins"
}

// Description returns a human-readable description.
func (j *SyncPluginsJob) Description() string {
	return "Reconcile the in-memory handler cache with the plugin directory"
}

// Run performs one reconciliation pass.
func (j *SyncPluginsJob) Run(ctx context.Context) error {
	loaded, failed, err := j.cache.Sync(ctx)
	if err != nil {
		return fmt.Errorf("plugin sync: %w", err)
	}

	if failed > 0 {
		j.logger.Warn("plugin sync quarantined handlers",
			"loaded", loaded,
			"failed", failed,
			"quarantined", j.cache.Quarantined(),
		)
	} else {
		j.logger.Debug("plugin sync completed",
			"loaded", loaded,
			"total", j.cache.Count(),
		)
	}

	return nil
}
