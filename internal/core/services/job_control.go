package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// JobView is the polling snapshot of a job.
type JobView struct {
	domain.Job
	Result *domain.ResultSet `json:"result,omitempty"`
}

// JobResults is a result set with its items.
type JobResults struct {
	ResultSet domain.ResultSet    `json:"resultSet"`
	Items     []domain.ResultItem `json:"items"`
}

// JobControl serves status queries and cancellations.
type JobControl struct {
	logger    *slog.Logger
	store     ports.JobStore
	results   ports.ResultStore
	registry  *Registry
	notify    *Notifications
	snapshots StoreSnapshots
	now       func() time.Time
}

func NewJobControl(logger *slog.Logger, repo ports.Repository, registry *Registry, notify *Notifications) *JobControl {
	return &JobControl{
		logger:    logger,
		store:     repo,
		results:   repo,
		registry:  registry,
		notify:    notify,
		snapshots: StoreSnapshots{Jobs: repo, Results: repo},
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (c *JobControl) GetStatus(ctx context.Context, key string) (JobView, error) {
	job, rs, err := c.snapshots.Snapshot(ctx, key)
	if err != nil {
		return JobView{}, err
	}
	return JobView{Job: job, Result: rs}, nil
}

func (c *JobControl) List(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	return c.store.ListJobs(ctx, filter)
}

// Cancel moves a job to CANCELLED. Cancelling a job that already finished
// succeeds and returns it unchanged.
func (c *JobControl) Cancel(ctx context.Context, key string) (domain.Job, error) {
	job, applied, err := c.store.Transition(ctx, key, domain.Transition{
		Status:  domain.JobStatusCancelled,
		Step:    domain.Ptr("cancelled"),
		Message: domain.Ptr("cancelled by request"),
	})
	if err != nil {
		return domain.Job{}, err
	}
	if !applied {
		c.logger.Info("cancel ignored, job already finished", "job_id", key, "status", job.Status)
		return job, nil
	}

	c.logger.Info("job cancelled", "job_id", key, "kind", job.Kind)
	c.registry.Publish(key, JobEvents(job, nil, nil)...)
	c.notify.JobFinished(ctx, job)
	return job, nil
}

func (c *JobControl) Results(ctx context.Context, key string) (JobResults, error) {
	rs, err := c.results.GetResultSet(ctx, key)
	if err != nil {
		return JobResults{}, err
	}
	items, err := c.results.ListResultItems(ctx, key)
	if err != nil {
		return JobResults{}, fmt.Errorf("list result items: %w", err)
	}
	return JobResults{ResultSet: rs, Items: items}, nil
}

// Summary returns the derived summary for a DONE job, computing and storing
// it on first request.
func (c *JobControl) Summary(ctx context.Context, key string) (domain.DerivedSummary, error) {
	if _, err := c.store.Get(ctx, key); err != nil {
		return domain.DerivedSummary{}, err
	}
	summary, err := CreateOrGet(ctx,
		func(ctx context.Context) (domain.DerivedSummary, error) {
			return c.results.GetDerivedSummary(ctx, key)
		},
		func(ctx context.Context) (domain.DerivedSummary, error) {
			res, err := c.Results(ctx, key)
			if err != nil {
				return domain.DerivedSummary{}, err
			}
			return domain.DeriveSummary(res.ResultSet, res.Items, c.now()), nil
		},
		c.results.CreateDerivedSummary,
		domain.ErrResultNotFound, domain.ErrDuplicateSummary,
	)
	if err != nil && !errors.Is(err, domain.ErrResultNotFound) {
		return domain.DerivedSummary{}, fmt.Errorf("derive summary for %s: %w", key, err)
	}
	return summary, err
}
