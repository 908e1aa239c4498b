// Package sampling decides which attending farmers of an activity get contacted
// and drives batch runs over every unsampled activity.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldcall-sampling/internal/allocation"
	"fieldcall-sampling/internal/lock"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/telemetry"
)

const batchLockKey = "sampling:batch"

// Store is the persistence the orchestrator and run ledger need.
type Store interface {
	GetActivity(ctx context.Context, id string) (models.Activity, error)
	ListUnsampledActivities(ctx context.Context) ([]models.Activity, error)
	SetActivityStatus(ctx context.Context, id string, status models.LifecycleStatus) error
	ActiveCoolingPeriods(ctx context.Context, farmerIDs []string, now time.Time) (map[string]models.CoolingPeriod, error)
	HasAudit(ctx context.Context, activityID string) (bool, error)
	CommitSampling(ctx context.Context, c models.SamplingCommit) error
	CreateRun(ctx context.Context, run models.SamplingRun) error
	SaveRun(ctx context.Context, run models.SamplingRun) error
}

// TaskPlanner turns sampled farmers into call tasks bound to agents.
type TaskPlanner interface {
	PlanTasks(ctx context.Context, activityID string, farmerIDs []string, scheduled time.Time) (allocation.Plan, error)
}

// RunReporter receives finalized runs.
type RunReporter interface {
	PublishRun(ctx context.Context, run models.SamplingRun) error
}

// Options tunes sampling passes and batch runs.
type Options struct {
	DefaultPercentage float64
	TypePercentages   map[string]float64
	CoolingPeriod     time.Duration
	ScheduleOffset    time.Duration
	Concurrency       int
	LeaseTTL          time.Duration
}

// Outcome classifies a single-activity pass.
type Outcome string

const (
	OutcomeSampled        Outcome = "sampled"
	OutcomeNoFarmers      Outcome = "no_farmers"
	OutcomeNotEligible    Outcome = "not_eligible"
	OutcomeAlreadySampled Outcome = "already_sampled"
)

// Result summarises one activity's sampling pass.
type Result struct {
	ActivityID      string  `json:"activity_id"`
	Outcome         Outcome `json:"outcome"`
	Percentage      float64 `json:"percentage"`
	TotalFarmers    int     `json:"total_farmers"`
	EligibleFarmers int     `json:"eligible_farmers"`
	SampledCount    int     `json:"sampled_count"`
	TasksCreated    int     `json:"tasks_created"`
}

// Service is the sampling orchestrator.
type Service struct {
	store    Store
	planner  TaskPlanner
	locker   lock.Locker
	reporter RunReporter
	logger   *slog.Logger
	opts     Options

	rng *lockedSource
	Now func() time.Time
}

// NewService wires the orchestrator. reporter may be nil.
func NewService(st Store, planner TaskPlanner, locker lock.Locker, reporter RunReporter, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Service{
		store:    st,
		planner:  planner,
		locker:   locker,
		reporter: reporter,
		logger:   logger,
		opts:     opts,
		rng:      &lockedSource{src: DefaultSource},
		Now:      time.Now,
	}
}

// SetSource replaces the random source used by the reservoir sampler.
func (s *Service) SetSource(src IntSource) {
	s.rng.mu.Lock()
	defer s.rng.mu.Unlock()
	s.rng.src = src
}

// lockedSource serialises draws so a non-concurrent source can back parallel passes.
type lockedSource struct {
	mu  sync.Mutex
	src IntSource
}

func (l *lockedSource) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// ResolvePercentage picks the override, else the activity type default, else the global default.
func (s *Service) ResolvePercentage(activityType string, override *float64) (float64, error) {
	pct := s.opts.DefaultPercentage
	if p, ok := s.opts.TypePercentages[activityType]; ok {
		pct = p
	}
	if override != nil {
		pct = *override
	}
	if err := ValidatePercentage(pct); err != nil {
		return 0, err
	}
	return pct, nil
}

// SampleAndCreateTasks runs filter, sample, allocate and audit for one activity.
// Re-running it on an audited activity is a no-op.
func (s *Service) SampleAndCreateTasks(ctx context.Context, activityID string, percentage *float64) (Result, error) {
	res := Result{ActivityID: activityID}
	if _, err := uuid.Parse(activityID); err != nil {
		return res, fmt.Errorf("%w: malformed activity id %q", models.ErrValidation, activityID)
	}
	if percentage != nil {
		if err := ValidatePercentage(*percentage); err != nil {
			return res, err
		}
	}

	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return res, fmt.Errorf("load activity: %w", err)
	}
	audited, err := s.store.HasAudit(ctx, activityID)
	if err != nil {
		return res, fmt.Errorf("check audit: %w", err)
	}
	if audited {
		res.Outcome = OutcomeAlreadySampled
		return res, nil
	}

	farmers := Dedupe(activity.FarmerIDs)
	res.TotalFarmers = len(farmers)
	if len(farmers) == 0 {
		res.Outcome = OutcomeNoFarmers
		if err := s.store.SetActivityStatus(ctx, activityID, models.ActivityInactive); err != nil {
			return res, fmt.Errorf("mark activity inactive: %w", err)
		}
		return res, nil
	}

	pct, err := s.ResolvePercentage(activity.Type, percentage)
	if err != nil {
		return res, err
	}
	res.Percentage = pct

	now := s.now()
	cooling, err := s.store.ActiveCoolingPeriods(ctx, farmers, now)
	if err != nil {
		return res, fmt.Errorf("load cooling periods: %w", err)
	}
	eligible := FilterEligible(farmers, cooling, now)
	res.EligibleFarmers = len(eligible)

	if len(eligible) == 0 {
		res.Outcome = OutcomeNotEligible
		s.logger.Info("no eligible farmers", "activity_id", activityID, "total_farmers", len(farmers))
		commit := models.SamplingCommit{
			ActivityID:      activityID,
			Audit:           s.audit(activity, pct, res, allocation.Plan{}, time.Time{}),
			LifecycleStatus: models.ActivityNotEligible,
		}
		return s.commit(ctx, commit, res)
	}

	size, err := SampleSize(len(eligible), pct)
	if err != nil {
		return res, err
	}
	sampled := Reservoir(s.rng, eligible, size)
	res.SampledCount = len(sampled)

	scheduled := activity.Date.Add(s.opts.ScheduleOffset)
	if scheduled.Before(now) {
		scheduled = now
	}
	plan, err := s.planner.PlanTasks(ctx, activityID, sampled, scheduled)
	if err != nil {
		return res, fmt.Errorf("allocate tasks: %w", err)
	}

	coolings := make([]models.CoolingPeriod, len(sampled))
	for i, id := range sampled {
		coolings[i] = models.NewCoolingPeriod(id, now, s.opts.CoolingPeriod)
	}
	res.TasksCreated = len(plan.Tasks)
	res.Outcome = OutcomeSampled
	commit := models.SamplingCommit{
		ActivityID:      activityID,
		Tasks:           plan.Tasks,
		CoolingPeriods:  coolings,
		Audit:           s.audit(activity, pct, res, plan, scheduled),
		LifecycleStatus: models.ActivitySampled,
	}
	return s.commit(ctx, commit, res)
}

func (s *Service) commit(ctx context.Context, c models.SamplingCommit, res Result) (Result, error) {
	if err := s.store.CommitSampling(ctx, c); err != nil {
		if errors.Is(err, models.ErrAlreadySampled) {
			// A concurrent pass wrote the audit first.
			return Result{ActivityID: res.ActivityID, Outcome: OutcomeAlreadySampled}, nil
		}
		return res, fmt.Errorf("commit sampling: %w", err)
	}
	telemetry.TasksCreated.Add(float64(res.TasksCreated))
	s.logger.Info("activity sampled",
		"activity_id", res.ActivityID,
		"outcome", res.Outcome,
		"total_farmers", res.TotalFarmers,
		"eligible_farmers", res.EligibleFarmers,
		"sampled", res.SampledCount,
		"tasks_created", res.TasksCreated)
	return res, nil
}

func (s *Service) audit(a models.Activity, pct float64, res Result, plan allocation.Plan, scheduled time.Time) models.SamplingAudit {
	meta := map[string]any{
		"activity_type":    a.Type,
		"eligible_farmers": res.EligibleFarmers,
		"cooling_excluded": res.TotalFarmers - res.EligibleFarmers,
		"assigned_tasks":   plan.Assigned,
		"unassigned_tasks": plan.Unassigned,
	}
	if len(plan.UnassignedLanguages) > 0 {
		meta["unassigned_languages"] = plan.UnassignedLanguages
	}
	if !scheduled.IsZero() {
		meta["scheduled_date"] = scheduled.Format(time.RFC3339)
	}
	return models.SamplingAudit{
		ID:                 uuid.NewString(),
		ActivityID:         a.ID,
		SamplingPercentage: pct,
		TotalFarmers:       res.TotalFarmers,
		SampledCount:       res.SampledCount,
		Algorithm:          AlgorithmReservoir,
		Metadata:           meta,
		CreatedAt:          s.now(),
	}
}
