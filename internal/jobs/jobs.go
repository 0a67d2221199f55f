// Package jobs runs the recurring background work: reconciling payouts the
// provider never called back about and sweeping expired challenges out of
// the in-memory store.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultReconcileSchedule = "@every 1m"
	defaultSweepSchedule     = "@every 1m"
	defaultStuckAfter        = 5 * time.Minute
	defaultBatchSize         = 100
)

// Reconciler resolves payouts that stayed in processing past the cutoff.
type Reconciler interface {
	ReconcileProcessingPayouts(ctx context.Context, olderThanUnixUTC int64, limit int) error
}

// Sweeper evicts expired challenges. The in-memory challenge store needs
// this; Redis expires keys on its own.
type Sweeper interface {
	Sweep() int
}

// Config tunes the schedules and batch sizes.
type Config struct {
	ReconcileSchedule string
	SweepSchedule     string
	StuckAfter        time.Duration
	BatchSize         int
}

func (cfg *Config) applyDefaults() {
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = defaultReconcileSchedule
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaultStuckAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
}

// Scheduler owns the cron instance and the registered jobs.
type Scheduler struct {
	cron       *cron.Cron
	logger     *zap.Logger
	cfg        Config
	reconciler Reconciler
	sweeper    Sweeper
	nowFn      func() int64
}

// New builds a Scheduler. The sweeper may be nil when challenge storage
// expires entries itself.
func New(logger *zap.Logger, cfg Config, reconciler Reconciler, sweeper Sweeper, now func() int64) (*Scheduler, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if now == nil {
		return nil, fmt.Errorf("clock is required")
	}
	cfg.applyDefaults()
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger))),
		logger:     logger,
		cfg:        cfg,
		reconciler: reconciler,
		sweeper:    sweeper,
		nowFn:      now,
	}, nil
}

// Start registers the jobs and starts the cron scheduler.
func (scheduler *Scheduler) Start(ctx context.Context) error {
	if _, err := scheduler.cron.AddFunc(scheduler.cfg.ReconcileSchedule, func() {
		scheduler.runReconcile(ctx)
	}); err != nil {
		return fmt.Errorf("register reconcile job: %w", err)
	}
	if scheduler.sweeper != nil {
		if _, err := scheduler.cron.AddFunc(scheduler.cfg.SweepSchedule, scheduler.runSweep); err != nil {
			return fmt.Errorf("register sweep job: %w", err)
		}
	}
	scheduler.cron.Start()
	scheduler.logger.Info("job scheduler started",
		zap.String("reconcile_schedule", scheduler.cfg.ReconcileSchedule),
		zap.Bool("sweep_enabled", scheduler.sweeper != nil))
	return nil
}

// Stop halts scheduling and returns a context that completes once running
// jobs have drained.
func (scheduler *Scheduler) Stop() context.Context {
	return scheduler.cron.Stop()
}

func (scheduler *Scheduler) runReconcile(ctx context.Context) {
	cutoff := scheduler.nowFn() - int64(scheduler.cfg.StuckAfter/time.Second)
	if err := scheduler.reconciler.ReconcileProcessingPayouts(ctx, cutoff, scheduler.cfg.BatchSize); err != nil {
		scheduler.logger.Error("payout reconciliation failed", zap.Error(err))
		return
	}
	scheduler.logger.Debug("payout reconciliation pass complete", zap.Int64("cutoff_unix_utc", cutoff))
}

func (scheduler *Scheduler) runSweep() {
	evicted := scheduler.sweeper.Sweep()
	if evicted > 0 {
		scheduler.logger.Debug("expired challenges evicted", zap.Int("count", evicted))
	}
}
