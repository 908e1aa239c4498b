package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fieldcall-sampling/internal/lock"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/telemetry"
)

// maxRunErrorMessages caps errorMessages on a run record; errorCount keeps counting.
const maxRunErrorMessages = 200

// SampleAllActivities sweeps every unsampled activity under the single-flight lease.
// A failing activity is recorded on the run and never aborts the sweep.
func (s *Service) SampleAllActivities(ctx context.Context) (models.SamplingRun, error) {
	lease, err := s.locker.TryAcquire(ctx, batchLockKey, s.opts.LeaseTTL)
	if err != nil {
		return models.SamplingRun{}, fmt.Errorf("acquire run lease: %w", err)
	}
	if lease == nil {
		telemetry.RunRejected.Inc()
		return models.SamplingRun{}, models.ErrRunInProgress
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release run lease", "error", err)
		}
	}()

	// The run context is cancelled if the lease is taken from us.
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	keepCtx, stopKeepAlive := context.WithCancel(runCtx)
	defer stopKeepAlive()
	go s.keepLease(keepCtx, lease, cancelRun)
	ctx = runCtx

	started := s.now()
	ledger := &runLedger{
		store:  s.store,
		logger: s.logger,
		run: models.SamplingRun{
			ID:        uuid.NewString(),
			Status:    models.RunRunning,
			StartedAt: started,
		},
	}
	if err := s.store.CreateRun(ctx, ledger.run); err != nil {
		return models.SamplingRun{}, fmt.Errorf("create run: %w", err)
	}

	activities, err := s.store.ListUnsampledActivities(ctx)
	if err != nil {
		run := ledger.finish(ctx, models.RunFailed, s.now(), fmt.Sprintf("list unsampled activities: %v", err))
		s.finalize(ctx, run, started)
		return run, fmt.Errorf("list unsampled activities: %w", err)
	}
	ledger.setMatched(ctx, len(activities))
	s.logger.Info("sampling run started", "run_id", ledger.run.ID, "matched", len(activities))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, a := range activities {
		if ctx.Err() != nil {
			break
		}
		activityID := a.ID
		g.Go(func() error {
			res, err := s.SampleAndCreateTasks(ctx, activityID, nil)
			if err != nil {
				s.logger.Warn("activity sampling failed", "run_id", ledger.run.ID, "activity_id", activityID, "error", err)
			}
			if saveErr := ledger.record(ctx, activityID, res, err, s.now()); saveErr != nil {
				s.logger.Warn("save run progress", "run_id", ledger.run.ID, "error", saveErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	status, note := models.RunCompleted, ""
	if ctx.Err() != nil {
		status, note = models.RunFailed, fmt.Sprintf("run interrupted: %v", context.Cause(ctx))
	}
	run := ledger.finish(ctx, status, s.now(), note)
	s.finalize(ctx, run, started)
	return run, nil
}

func (s *Service) finalize(ctx context.Context, run models.SamplingRun, started time.Time) {
	telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	telemetry.RunDuration.Observe(s.now().Sub(started).Seconds())
	s.logger.Info("sampling run finished",
		"run_id", run.ID,
		"status", run.Status,
		"matched", run.Matched,
		"processed", run.Processed,
		"tasks_created", run.TasksCreatedTotal,
		"errors", run.ErrorCount)
	if s.reporter == nil {
		return
	}
	if err := s.reporter.PublishRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("publish run report", "run_id", run.ID, "error", err)
	}
}

// keepLease extends the lease every third of its TTL. Failed extensions are retried
// on the next tick; a lease that is no longer ours cancels the run.
func (s *Service) keepLease(ctx context.Context, lease lock.Lease, cancelRun context.CancelCauseFunc) {
	ticker := time.NewTicker(s.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := lease.Extend(ctx, s.opts.LeaseTTL)
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, lock.ErrNotHeld):
				s.logger.Error("run lease lost", "error", err)
				cancelRun(fmt.Errorf("run lease lost: %w", err))
				return
			default:
				s.logger.Warn("extend run lease", "error", err)
			}
		}
	}
}

// runLedger serialises progress updates to the run record.
type runLedger struct {
	mu     sync.Mutex
	store  Store
	logger *slog.Logger
	run    models.SamplingRun
}

func (l *runLedger) setMatched(ctx context.Context, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Matched = n
	if err := l.store.SaveRun(ctx, l.run); err != nil {
		l.logger.Warn("save run progress", "run_id", l.run.ID, "error", err)
	}
}

// record folds one activity's outcome into the counters and checkpoints the run.
func (l *runLedger) record(ctx context.Context, activityID string, res Result, err error, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Processed++
	switch {
	case err != nil:
		l.run.ErrorCount++
		if len(l.run.ErrorMessages) < maxRunErrorMessages {
			l.run.ErrorMessages = append(l.run.ErrorMessages, fmt.Sprintf("activity %s: %v", activityID, err))
		}
		telemetry.ActivitiesTotal.WithLabelValues("error").Inc()
	case res.Outcome == OutcomeSampled:
		l.run.SampledActivities++
		l.run.TasksCreatedTotal += res.TasksCreated
		telemetry.ActivitiesTotal.WithLabelValues(string(res.Outcome)).Inc()
	case res.Outcome == OutcomeAlreadySampled:
		l.run.Skipped++
		telemetry.ActivitiesTotal.WithLabelValues(string(res.Outcome)).Inc()
	default:
		l.run.InactiveActivities++
		telemetry.ActivitiesTotal.WithLabelValues(string(res.Outcome)).Inc()
	}
	id := activityID
	progress := at
	l.run.LastActivityID = &id
	l.run.LastProgressAt = &progress
	return l.store.SaveRun(ctx, l.run)
}

func (l *runLedger) finish(ctx context.Context, status models.RunStatus, at time.Time, note string) models.SamplingRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Status = status
	finished := at
	l.run.FinishedAt = &finished
	if note != "" {
		l.run.ErrorMessages = append(l.run.ErrorMessages, note)
	}
	if err := l.store.SaveRun(context.WithoutCancel(ctx), l.run); err != nil {
		l.logger.Error("save final run record", "run_id", l.run.ID, "status", status, "error", err)
	}
	out := l.run
	out.ErrorMessages = append([]string(nil), l.run.ErrorMessages...)
	return out
}
