// Package analytics computes the read-only funnel reports served on
// the admin API: stage conversion, per-user breakdown and the failure
// reason rollup. Reports are cached in process for a short interval so
// a dashboard poll can't hammer the store.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/modularbot/bot-factory/internal/domain/flow"
	"github.com/modularbot/bot-factory/internal/domain/funnel"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/pkg/logger"
	"github.com/modularbot/bot-factory/pkg/timeutil"
	"github.com/modularbot/bot-factory/pkg/ttlcache"
)

const (
	// reportTTL is how long a computed report is served from memory.
	reportTTL = 60 * time.Second

	defaultDays = 7
	maxDays     = 90

	defaultUserLimit = 50
	maxUserLimit     = 200

	topErrorsLimit = 10
)

// ══════════════════════════════════════════════════════════════════════════════
// REPORT TYPES
// ══════════════════════════════════════════════════════════════════════════════

// StageStat is one funnel stage's share of the window.
type StageStat struct {
	Stage   shared.Stage `json:"stage"`
	Name    string       `json:"name"`
	Reached int64        `json:"reached"`

	// Conversion is reached/previous-stage-reached; 1 for stage 1.
	Conversion float64 `json:"conversion"`

	// DropOff is how many flows stalled at this stage (did not reach
	// the next one). Zero for the final stage.
	DropOff int64 `json:"drop_off"`
}

// FunnelReport is the stage-conversion rollup.
type FunnelReport struct {
	Days   int         `json:"days"`
	Window flow.Window `json:"window"`

	Total       int64 `json:"total_flows"`
	UniqueUsers int64 `json:"unique_users"`
	Cancelled   int64 `json:"cancelled"`
	Failed      int64 `json:"failed"`

	Stages []StageStat `json:"stages"`

	// OverallConversion is activated/started.
	OverallConversion float64 `json:"overall_conversion"`

	GeneratedAt time.Time `json:"generated_at"`
}

// UserStat is one user's aggregate across their flows.
type UserStat struct {
	UserID       int64     `json:"user_id"`
	MaxStage     int       `json:"max_stage"`
	Attempts     int64     `json:"attempts"`
	LatestStatus string    `json:"latest_status"`
	LatestAt     time.Time `json:"latest_at"`
}

// UsersReport is the per-user breakdown with drop-off buckets.
type UsersReport struct {
	Days  int          `json:"days"`
	Stage shared.Stage `json:"stage,omitempty"`

	Users []UserStat `json:"users"`

	// DropOffBuckets counts users by their max stage when below
	// activation, keyed by stage number.
	DropOffBuckets map[int]int64 `json:"drop_off_buckets"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ErrorStat is one failure reason's share of the window.
type ErrorStat struct {
	Reason string    `json:"reason"`
	Count  int64     `json:"count"`
	Latest time.Time `json:"latest"`
}

// ErrorsReport is the creation-failure rollup.
type ErrorsReport struct {
	Days        int         `json:"days"`
	Errors      []ErrorStat `json:"errors"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Service computes and caches funnel reports.
type Service struct {
	flows  flow.Repository
	events funnel.EventRepository
	log    *logger.Logger

	funnelCache *ttlcache.Cache[string, *FunnelReport]
	errorsCache *ttlcache.Cache[int, *ErrorsReport]
}

// NewService creates the analytics service.
func NewService(flows flow.Repository, events funnel.EventRepository, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		flows:       flows,
		events:      events,
		log:         log.With(logger.Component("analytics")),
		funnelCache: ttlcache.New[string, *FunnelReport](reportTTL),
		errorsCache: ttlcache.New[int, *ErrorsReport](reportTTL),
	}
}

// Close releases the cache timers.
func (s *Service) Close() {
	s.funnelCache.Close()
	s.errorsCache.Close()
}

// Funnel returns the stage-conversion report for the last `days` days.
// Served from cache within reportTTL for the same (days, window) pair.
func (s *Service) Funnel(ctx context.Context, days int, window flow.Window) (*FunnelReport, error) {
	days = clampDays(days)
	if !window.IsValid() {
		window = flow.WindowStart
	}

	key := fmt.Sprintf("%d:%s", days, window)
	if cached, ok := s.funnelCache.Get(key); ok {
		return cached, nil
	}

	now := timeutil.NowUTC()
	counts, err := s.flows.CountStages(ctx, timeutil.DaysAgoUTC(now, days), window)
	if err != nil {
		return nil, err
	}

	report := buildFunnelReport(days, window, counts, now)
	s.funnelCache.Set(key, report)
	return report, nil
}

func buildFunnelReport(days int, window flow.Window, counts *flow.StageCounts, now time.Time) *FunnelReport {
	report := &FunnelReport{
		Days:        days,
		Window:      window,
		Total:       counts.Total,
		UniqueUsers: counts.UniqueUsers,
		Cancelled:   counts.Cancelled,
		Failed:      counts.Failed,
		GeneratedAt: now,
	}

	prev := int64(0)
	for stage := shared.StageStarted; stage <= shared.StageActivated; stage++ {
		reached := counts.ReachedStage[stage]
		stat := StageStat{
			Stage:      stage,
			Name:       stage.Name(),
			Reached:    reached,
			Conversion: 1,
		}
		if stage > shared.StageStarted {
			if prev > 0 {
				stat.Conversion = float64(reached) / float64(prev)
			} else {
				stat.Conversion = 0
			}
		}
		report.Stages = append(report.Stages, stat)
		prev = reached
	}
	for i := 0; i < len(report.Stages)-1; i++ {
		report.Stages[i].DropOff = report.Stages[i].Reached - report.Stages[i+1].Reached
	}

	started := counts.ReachedStage[shared.StageStarted]
	if started > 0 {
		report.OverallConversion = float64(counts.ReachedStage[shared.StageActivated]) / float64(started)
	}
	return report
}

// Users returns the per-user breakdown. stage filters to users whose
// max stage equals it (0 = all). Not cached: the admin drills into it
// interactively and the aggregation is bounded by limit.
func (s *Service) Users(ctx context.Context, days int, stage shared.Stage, limit int) (*UsersReport, error) {
	days = clampDays(days)
	if limit <= 0 {
		limit = defaultUserLimit
	}
	if limit > maxUserLimit {
		limit = maxUserLimit
	}

	now := timeutil.NowUTC()
	stats, err := s.flows.UserBreakdown(ctx, timeutil.DaysAgoUTC(now, days), stage, limit)
	if err != nil {
		return nil, err
	}

	report := &UsersReport{
		Days:           days,
		Stage:          stage,
		DropOffBuckets: make(map[int]int64),
		GeneratedAt:    now,
	}
	for _, st := range stats {
		report.Users = append(report.Users, UserStat{
			UserID:       st.UserID.Int64(),
			MaxStage:     int(st.MaxStage),
			Attempts:     st.Attempts,
			LatestStatus: string(st.LatestStatus),
			LatestAt:     st.LatestAt,
		})
		if st.MaxStage < shared.StageActivated {
			report.DropOffBuckets[int(st.MaxStage)]++
		}
	}
	return report, nil
}

// Errors returns the top failure reasons for the last `days` days.
// Served from cache within reportTTL for the same days value.
func (s *Service) Errors(ctx context.Context, days int) (*ErrorsReport, error) {
	days = clampDays(days)

	if cached, ok := s.errorsCache.Get(days); ok {
		return cached, nil
	}

	now := timeutil.NowUTC()
	top, err := s.events.TopErrors(ctx, timeutil.DaysAgoUTC(now, days), topErrorsLimit)
	if err != nil {
		return nil, err
	}

	report := &ErrorsReport{Days: days, GeneratedAt: now}
	for _, e := range top {
		report.Errors = append(report.Errors, ErrorStat{Reason: e.Reason, Count: e.Count, Latest: e.Latest})
	}
	s.errorsCache.Set(days, report)
	return report, nil
}

func clampDays(days int) int {
	if days <= 0 {
		return defaultDays
	}
	if days > maxDays {
		return maxDays
	}
	return days
}
