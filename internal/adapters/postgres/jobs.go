package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/manthysbr/jobrelay/internal/adapters/sqlstore"
	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

func (r *Repository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	query, args := sqlstore.InsertJob(job, sqlstore.Dollar)
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrDuplicateCorrelationKey, job.CorrelationKey)
		}
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return r.Get(ctx, job.CorrelationKey)
}

func (r *Repository) Get(ctx context.Context, key string) (domain.Job, error) {
	return getJob(ctx, r.pool, key, false)
}

func (r *Repository) Transition(ctx context.Context, key string, t domain.Transition) (domain.Job, bool, error) {
	var (
		job     domain.Job
		applied bool
	)
	err := r.WithTx(ctx, func(tx ports.JobTx) error {
		var err error
		job, applied, err = tx.Transition(ctx, key, t)
		return err
	})
	return job, applied, err
}

func (r *Repository) FindStuck(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	query, args := sqlstore.FindStuck(cutoff, sqlstore.Dollar)
	return queryJobs(ctx, r.pool, query, args)
}

func (r *Repository) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query, args := sqlstore.ListJobs(filter, sqlstore.Dollar)
	return queryJobs(ctx, r.pool, query, args)
}

func getJob(ctx context.Context, q querier, key string, lock bool) (domain.Job, error) {
	query := "SELECT " + sqlstore.JobColumns + " FROM jobs WHERE correlation_key = $1"
	if lock {
		query += " FOR UPDATE"
	}
	job, err := sqlstore.ScanJob(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, key)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// transition runs the guarded update. A refused update re-reads the row so
// callers get the state that won.
func transition(ctx context.Context, q querier, key string, t domain.Transition) (domain.Job, bool, error) {
	query, args := sqlstore.GuardedTransition(key, t, time.Now().UTC(), sqlstore.Dollar)
	job, err := sqlstore.ScanJob(q.QueryRow(ctx, sqlstore.Returning(query), args...))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, false, fmt.Errorf("transition job %s: %w", key, err)
	}
	current, err := getJob(ctx, q, key, true)
	if err != nil {
		return domain.Job{}, false, err
	}
	return current, false, nil
}

func queryJobs(ctx context.Context, q querier, query string, args []any) ([]domain.Job, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := sqlstore.ScanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
