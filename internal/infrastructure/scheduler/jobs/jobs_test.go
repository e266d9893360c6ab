package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/shared"
)

type fakeCache struct {
	loaded      int
	failed      int
	err         error
	quarantined map[shared.HandlerName]string
	syncs       int
}

func (f *fakeCache) Sync(context.Context) (int, int, error) {
	f.syncs++
	return f.loaded, f.failed, f.err
}

func (f *fakeCache) Count() int { return f.loaded }

func (f *fakeCache) Quarantined() map[shared.HandlerName]string { return f.quarantined }

type fakeSweeper struct {
	removed int
	sweeps  int
}

func (f *fakeSweeper) SweepConversations() int {
	f.sweeps++
	return f.removed
}

func TestSyncPluginsJob_Run(t *testing.T) {
	cache := &fakeCache{loaded: 3}
	job := NewSyncPluginsJob(cache, nil)

	assert.Equal(t, "sync_plugins", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, cache.syncs)
}

func TestSyncPluginsJob_QuarantineIsNotAnError(t *testing.T) {
	cache := &fakeCache{loaded: 2, failed: 1, quarantined: map[shared.HandlerName]string{"bot_123": "syntax_error"}}
	job := NewSyncPluginsJob(cache, nil)

	assert.NoError(t, job.Run(context.Background()))
}

func TestSyncPluginsJob_DirectoryFailure(t *testing.T) {
	cache := &fakeCache{err: errors.New("permission denied")}
	job := NewSyncPluginsJob(cache, nil)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plugin sync")
}

func TestSweepConversationsJob_Run(t *testing.T) {
	sweeper := &fakeSweeper{removed: 2}
	job := NewSweepConversationsJob(sweeper, nil)

	assert.Equal(t, "sweep_conversations", job.Name())
	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 2, sweeper.sweeps)
}
