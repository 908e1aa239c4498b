// Package worker drains sampling triggers and runs the periodic batch schedule.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"fieldcall-sampling/internal/allocation"
	"fieldcall-sampling/internal/config"
	"fieldcall-sampling/internal/models"
	"fieldcall-sampling/internal/queue"
	"fieldcall-sampling/internal/sampling"
	"fieldcall-sampling/internal/telemetry"
)

const maintenanceBatch = 100

// TriggerQueue is the worker's view of the trigger queue.
type TriggerQueue interface {
	Enqueue(ctx context.Context, t queue.Trigger, runAt time.Time) (queue.Trigger, error)
	Dequeue(ctx context.Context) (*queue.Trigger, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, t queue.Trigger, runAt time.Time, cause error) error
	Defer(ctx context.Context, t queue.Trigger, runAt time.Time) error
	DeadLetter(ctx context.Context, t queue.Trigger, cause error) error
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Sampler runs sampling passes.
type Sampler interface {
	SampleAllActivities(ctx context.Context) (models.SamplingRun, error)
	SampleAndCreateTasks(ctx context.Context, activityID string, percentage *float64) (sampling.Result, error)
}

// Allocator binds pending tasks to agents.
type Allocator interface {
	AssignPending(ctx context.Context, limit int) (allocation.AssignResult, error)
}

// Handler executes one trigger kind.
type Handler func(ctx context.Context, t queue.Trigger) error

// Processor drives the worker execution loop.
type Processor struct {
	cfg       config.Config
	queue     TriggerQueue
	sampler   Sampler
	allocator Allocator
	logger    *slog.Logger
	handlers  map[queue.Kind]Handler
	Now       func() time.Time
}

// NewProcessor wires the handlers for every trigger kind.
func NewProcessor(cfg config.Config, q TriggerQueue, sampler Sampler, alloc Allocator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:       cfg,
		queue:     q,
		sampler:   sampler,
		allocator: alloc,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	p.handlers = map[queue.Kind]Handler{
		queue.KindBatch:    p.handleBatch,
		queue.KindActivity: p.handleActivity,
		queue.KindAllocate: p.handleAllocate,
	}
	return p
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maintain(ctx)
		handled, err := p.Step(ctx)
		if err != nil {
			p.logger.Error("dequeue trigger", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// RunScheduler enqueues a batch trigger immediately and then every BatchInterval.
func (p *Processor) RunScheduler(ctx context.Context) error {
	if p.cfg.BatchInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(p.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		if _, err := p.queue.Enqueue(ctx, queue.Trigger{Kind: queue.KindBatch, RequestedBy: "scheduler"}, time.Time{}); err != nil {
			p.logger.Error("enqueue scheduled batch", "error", err)
		} else {
			telemetry.TriggersEnqueued.WithLabelValues(string(queue.KindBatch)).Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) maintain(ctx context.Context) {
	now := p.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, maintenanceBatch); err != nil {
		p.logger.Warn("promote scheduled triggers", "error", err)
	}
	if n, err := p.queue.RequeueExpired(ctx, now, maintenanceBatch); err != nil {
		p.logger.Warn("requeue expired triggers", "error", err)
	} else if n > 0 {
		p.logger.Warn("reclaimed abandoned triggers", "count", n)
	}
	if depth, err := p.queue.Depth(ctx); err == nil {
		telemetry.TriggerQueueDepth.Set(float64(depth))
	}
}

// Step handles at most one ready trigger and reports whether one was found.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	t, err := p.queue.Dequeue(ctx)
	if err != nil || t == nil {
		return false, err
	}
	log := p.logger.With("trigger_id", t.ID, "kind", t.Kind, "attempts", t.Attempts, "deferrals", t.Deferrals)

	stop := p.keepInFlight(ctx, t.ID)
	err = p.runTrigger(ctx, *t)
	stop()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, t.ID); ackErr != nil {
			log.Error("ack trigger", "error", ackErr)
		}
		telemetry.TriggersHandled.WithLabelValues(string(t.Kind), "ok").Inc()
	case errors.Is(err, models.ErrRunInProgress):
		// Queued behind the running batch; deferrals never count toward dead-lettering.
		next := p.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, t.Deferrals+1))
		if rErr := p.queue.Defer(ctx, *t, next); rErr != nil {
			log.Error("reschedule trigger", "error", rErr)
		}
		log.Info("batch already running, trigger rescheduled", "next_run", next)
		telemetry.TriggersHandled.WithLabelValues(string(t.Kind), "deferred").Inc()
	case permanent(err) || t.Attempts+1 >= p.cfg.TriggerMaxAttempts:
		if dErr := p.queue.DeadLetter(ctx, *t, err); dErr != nil {
			log.Error("dead-letter trigger", "error", dErr)
		}
		log.Error("trigger dead-lettered", "error", err)
		telemetry.TriggersHandled.WithLabelValues(string(t.Kind), "dead_letter").Inc()
	default:
		next := p.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, t.Attempts+1))
		if rErr := p.queue.Retry(ctx, *t, next, err); rErr != nil {
			log.Error("reschedule trigger", "error", rErr)
		}
		log.Warn("trigger failed, retry scheduled", "error", err, "next_run", next)
		telemetry.TriggersHandled.WithLabelValues(string(t.Kind), "retry").Inc()
	}
	return true, nil
}

func (p *Processor) runTrigger(ctx context.Context, t queue.Trigger) error {
	h, ok := p.handlers[t.Kind]
	if !ok {
		return fmt.Errorf("%w: no handler for trigger kind %q", models.ErrValidation, t.Kind)
	}
	return h(ctx, t)
}

// keepInFlight pushes the trigger's visibility deadline while it runs.
func (p *Processor) keepInFlight(ctx context.Context, id string) func() {
	visibility := p.cfg.TriggerVisibility
	if visibility <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, visibility); err != nil && ctx.Err() == nil {
					p.logger.Warn("extend trigger visibility", "trigger_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) handleBatch(ctx context.Context, _ queue.Trigger) error {
	run, err := p.sampler.SampleAllActivities(ctx)
	if err != nil {
		return err
	}
	res, err := p.allocator.AssignPending(ctx, p.cfg.AllocateBatchSize)
	if err != nil {
		p.logger.Warn("allocation pass after batch failed", "run_id", run.ID, "error", err)
		return nil
	}
	p.logger.Info("allocation pass after batch", "run_id", run.ID, "assigned", res.Assigned, "unassigned", res.Unassigned)
	return nil
}

func (p *Processor) handleActivity(ctx context.Context, t queue.Trigger) error {
	res, err := p.sampler.SampleAndCreateTasks(ctx, t.ActivityID, t.Percentage)
	if err != nil {
		return err
	}
	p.logger.Info("activity trigger handled", "activity_id", t.ActivityID, "outcome", res.Outcome, "tasks_created", res.TasksCreated)
	return nil
}

func (p *Processor) handleAllocate(ctx context.Context, _ queue.Trigger) error {
	res, err := p.allocator.AssignPending(ctx, p.cfg.AllocateBatchSize)
	if err != nil {
		return err
	}
	p.logger.Info("allocation pass", "considered", res.Considered, "assigned", res.Assigned, "unassigned", res.Unassigned)
	return nil
}

// permanent errors will fail the same way on every attempt.
func permanent(err error) bool {
	return errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int64N(int64(half)))
}
