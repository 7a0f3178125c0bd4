package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
	"github.com/robfig/cron/v3"
)

const TimeoutReason = "timed out waiting for worker response"

type ReconcilerConfig struct {
	// StuckAfter is how long a non-terminal job may go without an update.
	StuckAfter time.Duration
	// Interval is the sweep period.
	Interval time.Duration
}

// Reconciler fails jobs whose worker never answered.
type Reconciler struct {
	logger   *slog.Logger
	store    ports.JobStore
	registry *Registry
	notify   *Notifications
	cfg      ReconcilerConfig
	cron     *cron.Cron
	now      func() time.Time
}

func NewReconciler(logger *slog.Logger, store ports.JobStore, registry *Registry, notify *Notifications, cfg ReconcilerConfig) *Reconciler {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 30 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{
		logger:   logger,
		store:    store,
		registry: registry,
		notify:   notify,
		cfg:      cfg,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep marks every stuck job ERROR and returns how many it failed. Jobs
// that settle between the scan and the update are skipped by the guarded
// transition.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StuckAfter)
	stuck, err := r.store.FindStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stuck jobs: %w", err)
	}

	failed := 0
	var errs []error
	for _, job := range stuck {
		updated, applied, err := r.store.Transition(ctx, job.CorrelationKey, domain.Transition{
			Status: domain.JobStatusError,
			Step:   domain.Ptr("timeout"),
			Error:  domain.Ptr(TimeoutReason),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("fail job %s: %w", job.CorrelationKey, err))
			continue
		}
		if !applied {
			continue
		}
		failed++
		r.logger.Warn("job timed out", "job_id", job.CorrelationKey, "kind", job.Kind, "last_update", job.UpdatedAt)
		r.registry.Publish(job.CorrelationKey, JobEvents(updated, nil, nil)...)
		r.notify.JobFinished(ctx, updated)
	}
	if failed > 0 {
		r.logger.Info("reconciliation sweep finished", "failed", failed, "scanned", len(stuck))
	}
	return failed, errors.Join(errs...)
}

// Start schedules Sweep every Interval. Overlapping runs are skipped.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc("@every "+r.cfg.Interval.String(), func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", "interval", r.cfg.Interval, "stuck_after", r.cfg.StuckAfter)
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reconciler stopped")
}

// Run starts the schedule and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}
