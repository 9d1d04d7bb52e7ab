// Package scheduler fires due report schedules: each tick claims due
// schedules one at a time, advances nextRunAt under a conditional update so
// only one instance wins, and enqueues the materialized job.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/lorenzovborges/ReportSys/internal/model"
)

// cronParser accepts standard five-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store is the schedule persistence surface the ticker needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time, limit int64) ([]*model.Schedule, error)
	AdvanceSchedule(ctx context.Context, id primitive.ObjectID, observedNext, next, firedAt time.Time) (bool, error)
	DisableSchedule(ctx context.Context, id primitive.ObjectID) error
	CreateJob(ctx context.Context, job *model.ReportJob) (primitive.ObjectID, error)
}

// Enqueuer pushes queue messages for fired schedules.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg model.QueueMessage) (bool, error)
}

// Config wires the ticker.
type Config struct {
	Store        Store
	Queue        Enqueuer
	Logger       *zap.Logger
	PollInterval time.Duration
	Retention    time.Duration
}

// Ticker polls for due schedules at a fixed cadence. A tick that is still
// running when the next interval fires is not stacked; the late interval is
// skipped.
type Ticker struct {
	cfg     Config
	ticking atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped ticker.
func New(cfg Config) *Ticker {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Ticker{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs one tick immediately, then arms the timer.
func (t *Ticker) Start(ctx context.Context) {
	go func() {
		defer close(t.doneCh)

		t.runTick(ctx)

		ticker := time.NewTicker(t.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.runTick(ctx)
			}
		}
	}()
}

// Stop cancels the timer; an in-flight tick runs to completion.
func (t *Ticker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *Ticker) runTick(ctx context.Context) {
	if !t.ticking.CompareAndSwap(false, true) {
		return
	}
	defer t.ticking.Store(false)

	if err := t.Tick(ctx); err != nil && ctx.Err() == nil {
		t.cfg.Logger.Error("schedule tick failed", zap.Error(err))
	}
}

// Tick claims and fires every schedule that is due right now.
func (t *Ticker) Tick(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		due, err := t.cfg.Store.DueSchedules(ctx, now, 1)
		if err != nil {
			return fmt.Errorf("fetch due schedules: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		if err := t.fire(ctx, due[0], now); err != nil {
			return err
		}
	}
}

func (t *Ticker) fire(ctx context.Context, sched *model.Schedule, now time.Time) error {
	log := t.cfg.Logger.With(
		zap.String("schedule_id", sched.ID.Hex()),
		zap.String("tenant_id", sched.TenantID),
		zap.String("name", sched.Name),
	)

	next, err := NextRun(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		log.Warn("disabling schedule with unparsable cron", zap.Error(err))
		if derr := t.cfg.Store.DisableSchedule(ctx, sched.ID); derr != nil {
			return fmt.Errorf("disable schedule: %w", derr)
		}
		return nil
	}

	if sched.NextRunAt == nil {
		log.Warn("skipping enabled schedule without nextRunAt")
		return t.cfg.Store.DisableSchedule(ctx, sched.ID)
	}

	won, err := t.cfg.Store.AdvanceSchedule(ctx, sched.ID, *sched.NextRunAt, next, now)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if !won {
		// Another instance fired this schedule first.
		return nil
	}

	job := sched.Job(now, t.cfg.Retention)
	jobID, err := t.cfg.Store.CreateJob(ctx, job)
	if err != nil {
		return fmt.Errorf("create scheduled job: %w", err)
	}

	enqueued, err := t.cfg.Queue.Enqueue(ctx, model.QueueMessage{
		ReportJobID: jobID.Hex(),
		TenantID:    sched.TenantID,
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled job: %w", err)
	}

	log.Info("fired schedule",
		zap.String("report_job_id", jobID.Hex()),
		zap.Time("next_run_at", next),
		zap.Bool("enqueued", enqueued),
	)
	return nil
}

// NextRun evaluates a five-field cron expression in the schedule's timezone
// from the given instant. An empty or unknown timezone falls back to UTC.
func NextRun(expr, timezone string, from time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return spec.Next(from.In(loc)).UTC(), nil
}
