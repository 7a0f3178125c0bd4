package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/manthysbr/jobrelay/internal/adapters/sqlstore"
	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

func (r *Repository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	query, args := sqlstore.InsertJob(job, sqlstore.Question)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicate(err) {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrDuplicateCorrelationKey, job.CorrelationKey)
		}
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return r.Get(ctx, job.CorrelationKey)
}

func (r *Repository) Get(ctx context.Context, key string) (domain.Job, error) {
	return getJob(ctx, r.db, key)
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
	query, args := sqlstore.FindStuck(cutoff, sqlstore.Question)
	return queryJobs(ctx, r.db, query, args)
}

func (r *Repository) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	query, args := sqlstore.ListJobs(filter, sqlstore.Question)
	return queryJobs(ctx, r.db, query, args)
}

func getJob(ctx context.Context, q querier, key string) (domain.Job, error) {
	row := q.QueryRowContext(ctx, "SELECT "+sqlstore.JobColumns+" FROM jobs WHERE correlation_key = ?", key)
	job, err := sqlstore.ScanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, key)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// transition runs the guarded update and re-reads the row inside the same
// transaction. DuckDB reports a false primary key violation for UPDATE ...
// RETURNING on indexed tables, so the row is never read back from the
// update itself.
func transition(ctx context.Context, q querier, key string, t domain.Transition) (domain.Job, bool, error) {
	query, args := sqlstore.GuardedTransition(key, t, time.Now().UTC(), sqlstore.Question)
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("transition job %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("transition job %s: %w", key, err)
	}
	job, err := getJob(ctx, q, key)
	if err != nil {
		return domain.Job{}, false, err
	}
	return job, n > 0, nil
}

func queryJobs(ctx context.Context, q querier, query string, args []any) ([]domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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
