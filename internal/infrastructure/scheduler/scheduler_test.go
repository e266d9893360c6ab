package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counting job" }
func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func newScheduler() *Scheduler {
	return NewScheduler(DefaultSchedulerConfig())
}

func TestRegister_RejectsDuplicatesAndNils(t *testing.T) {
	s := newScheduler()

	require.NoError(t, s.Register(&countingJob{name: "a"}, NewIntervalSchedule(time.Minute)))
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, NewIntervalSchedule(time.Minute)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "b"}, nil), ErrNilSchedule)
}

func TestStartStop_Lifecycle(t *testing.T) {
	s := newScheduler()

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestRunNow_ExecutesAndRecords(t *testing.T) {
	s := newScheduler()
	job := &countingJob{name: "sync"}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	result, err := s.RunNow(context.Background(), "sync")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int64(1), job.runs.Load())

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRunNow_PropagatesJobError(t *testing.T) {
	s := newScheduler()
	job := &countingJob{name: "sync", err: errors.New("directory unreadable")}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	result, err := s.RunNow(context.Background(), "sync")
	require.Error(t, err)
	assert.False(t, result.Success)

	snap := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(1), snap.TotalFailures)
	assert.Zero(t, snap.SuccessRate)
}

func TestListJobs_ReportsState(t *testing.T) {
	s := newScheduler()
	require.NoError(t, s.Register(&countingJob{name: "sync"}, NewIntervalSchedule(time.Minute)))
	require.NoError(t, s.DisableJob("sync"))

	jobs := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "sync", jobs[0].Name)
	assert.False(t, jobs[0].Enabled)
	assert.Equal(t, "@every 1m0s", jobs[0].Schedule)
}

func TestIntervalSchedule_Next(t *testing.T) {
	sched := NewIntervalSchedule(5 * time.Minute)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(5*time.Minute), sched.Next(now))
	assert.Equal(t, "@every 5m0s", fmt.Sprint(sched))
}
