package analytics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/funnel"
	"github.com/modularbot/bot-factory/internal/domain/shared"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type stubFlows struct {
	flow.Repository

	counts     *flow.StageCounts
	users      []flow.UserFunnelStat
	countCalls atomic.Int64
}

func (s *stubFlows) CountStages(context.Context, time.Time, flow.Window) (*flow.StageCounts, error) {
	s.countCalls.Add(1)
	return s.counts, nil
}

func (s *stubFlows) UserBreakdown(_ context.Context, _ time.Time, stage shared.Stage, limit int) ([]flow.UserFunnelStat, error) {
	out := s.users
	if stage != 0 {
		filtered := out[:0:0]
		for _, u := range out {
			if u.MaxStage == stage {
				filtered = append(filtered, u)
			}
		}
		out = filtered
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type stubEvents struct {
	funnel.EventRepository

	errors    []funnel.ErrorCount
	topCalls  atomic.Int64
	lastLimit int
}

func (s *stubEvents) TopErrors(_ context.Context, _ time.Time, limit int) ([]funnel.ErrorCount, error) {
	s.topCalls.Add(1)
	s.lastLimit = limit
	return s.errors, nil
}

func newService(t *testing.T, flows *stubFlows, events *stubEvents) *Service {
	t.Helper()
	svc := NewService(flows, events, nil)
	t.Cleanup(svc.Close)
	return svc
}

func sampleCounts() *flow.StageCounts {
	return &flow.StageCounts{
		ReachedStage: map[shared.Stage]int64{
			shared.StageStarted:              100,
			shared.StageTokenAccepted:        60,
			shared.StageDescriptionSubmitted: 50,
			shared.StageCreated:              40,
			shared.StageActivated:            30,
		},
		Cancelled:   10,
		Failed:      15,
		UniqueUsers: 80,
		Total:       100,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestFunnel_ComputesConversionsAndDropOffs(t *testing.T) {
	flows := &stubFlows{counts: sampleCounts()}
	svc := newService(t, flows, &stubEvents{})

	report, err := svc.Funnel(context.Background(), 7, flow.WindowStart)
	require.NoError(t, err)

	assert.Equal(t, int64(100), report.Total)
	assert.Equal(t, int64(80), report.UniqueUsers)
	assert.Equal(t, int64(10), report.Cancelled)
	assert.Equal(t, int64(15), report.Failed)

	require.Len(t, report.Stages, 5)
	assert.Equal(t, int64(100), report.Stages[0].Reached)
	assert.InDelta(t, 1.0, report.Stages[0].Conversion, 1e-9)
	assert.InDelta(t, 0.6, report.Stages[1].Conversion, 1e-9)
	assert.InDelta(t, 0.75, report.Stages[4].Conversion, 1e-9)

	assert.Equal(t, int64(40), report.Stages[0].DropOff)
	assert.Equal(t, int64(10), report.Stages[3].DropOff)
	assert.Zero(t, report.Stages[4].DropOff)

	assert.InDelta(t, 0.3, report.OverallConversion, 1e-9)
}

func TestFunnel_CachesPerDaysAndWindow(t *testing.T) {
	flows := &stubFlows{counts: sampleCounts()}
	svc := newService(t, flows, &stubEvents{})

	_, err := svc.Funnel(context.Background(), 7, flow.WindowStart)
	require.NoError(t, err)
	_, err = svc.Funnel(context.Background(), 7, flow.WindowStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1), flows.countCalls.Load())

	// A different key recomputes.
	_, err = svc.Funnel(context.Background(), 7, flow.WindowActivity)
	require.NoError(t, err)
	_, err = svc.Funnel(context.Background(), 30, flow.WindowStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), flows.countCalls.Load())
}

func TestFunnel_DefaultsAndClamps(t *testing.T) {
	flows := &stubFlows{counts: sampleCounts()}
	svc := newService(t, flows, &stubEvents{})

	report, err := svc.Funnel(context.Background(), 0, "bogus")
	require.NoError(t, err)
	assert.Equal(t, defaultDays, report.Days)
	assert.Equal(t, flow.WindowStart, report.Window)

	report, err = svc.Funnel(context.Background(), 10000, flow.WindowStart)
	require.NoError(t, err)
	assert.Equal(t, maxDays, report.Days)
}

func TestFunnel_EmptyWindow(t *testing.T) {
	flows := &stubFlows{counts: &flow.StageCounts{ReachedStage: map[shared.Stage]int64{}}}
	svc := newService(t, flows, &stubEvents{})

	report, err := svc.Funnel(context.Background(), 7, flow.WindowStart)
	require.NoError(t, err)
	assert.Zero(t, report.OverallConversion)
	require.Len(t, report.Stages, 5)
	assert.Zero(t, report.Stages[1].Conversion)
}

func TestUsers_BucketsDropOffs(t *testing.T) {
	now := time.Now().UTC()
	flows := &stubFlows{users: []flow.UserFunnelStat{
		{UserID: 1, MaxStage: 5, Attempts: 1, LatestStatus: flow.StatusActivated, LatestAt: now},
		{UserID: 2, MaxStage: 2, Attempts: 3, LatestStatus: flow.StatusFailed, LatestAt: now},
		{UserID: 3, MaxStage: 2, Attempts: 1, LatestStatus: flow.StatusWaitingDescription, LatestAt: now},
		{UserID: 4, MaxStage: 4, Attempts: 2, LatestStatus: flow.StatusCreated, LatestAt: now},
	}}
	svc := newService(t, flows, &stubEvents{})

	report, err := svc.Users(context.Background(), 7, 0, 50)
	require.NoError(t, err)

	require.Len(t, report.Users, 4)
	assert.Equal(t, int64(2), report.DropOffBuckets[2])
	assert.Equal(t, int64(1), report.DropOffBuckets[4])
	// Activated users are not a drop-off bucket.
	assert.NotContains(t, report.DropOffBuckets, 5)

	assert.Equal(t, int64(3), report.Users[1].Attempts)
	assert.Equal(t, string(flow.StatusFailed), report.Users[1].LatestStatus)
}

func TestUsers_StageFilter(t *testing.T) {
	now := time.Now().UTC()
	flows := &stubFlows{users: []flow.UserFunnelStat{
		{UserID: 1, MaxStage: 5, LatestAt: now},
		{UserID: 2, MaxStage: 2, LatestAt: now},
	}}
	svc := newService(t, flows, &stubEvents{})

	report, err := svc.Users(context.Background(), 7, shared.StageTokenAccepted, 50)
	require.NoError(t, err)
	require.Len(t, report.Users, 1)
	assert.Equal(t, int64(2), report.Users[0].UserID)
}

func TestErrors_TopTenCached(t *testing.T) {
	events := &stubEvents{errors: []funnel.ErrorCount{
		{Reason: "synthesis_quota", Count: 12},
		{Reason: "token_already_used", Count: 5},
	}}
	svc := newService(t, &stubFlows{}, events)

	report, err := svc.Errors(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "synthesis_quota", report.Errors[0].Reason)
	assert.Equal(t, topErrorsLimit, events.lastLimit)

	_, err = svc.Errors(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), events.topCalls.Load())

	_, err = svc.Errors(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), events.topCalls.Load())
}
