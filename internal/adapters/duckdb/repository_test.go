package duckdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(t.TempDir() + "/jobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func queuedJob(key string, kind domain.JobKind) domain.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Job{
		CorrelationKey: key,
		Kind:           kind,
		Status:         domain.JobStatusQueued,
		CurrentStep:    "queued",
		UserID:         "user-1",
		Payload:        json.RawMessage(`{"query":"graph neural networks"}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRepository_Jobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, queuedJob("job-1", domain.JobKindSearch))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, created.Status)
	assert.JSONEq(t, `{"query":"graph neural networks"}`, string(created.Payload))

	_, err = repo.Create(ctx, queuedJob("job-1", domain.JobKindSearch))
	assert.ErrorIs(t, err, domain.ErrDuplicateCorrelationKey)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	jobs, err := repo.ListJobs(ctx, domain.JobFilter{Kind: domain.JobKindSearch})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].CorrelationKey)

	jobs, err = repo.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusDone})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRepository_GuardedTransition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, queuedJob("job-1", domain.JobKindCitationCheck))
	require.NoError(t, err)

	job, applied, err := repo.Transition(ctx, "job-1", domain.Transition{
		Status:   domain.JobStatusRunning,
		Progress: domain.Ptr(40),
		Step:     domain.Ptr("checking"),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 40, job.ProgressPercent)
	assert.Equal(t, "checking", job.CurrentStep)

	// Progress never goes backwards.
	job, applied, err = repo.Transition(ctx, "job-1", domain.Transition{Status: domain.JobStatusRunning, Progress: domain.Ptr(10)})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 40, job.ProgressPercent)

	job, applied, err = repo.Transition(ctx, "job-1", domain.Transition{
		Status:    domain.JobStatusDone,
		ResultRef: domain.Ptr("rs-1"),
		Error:     domain.Ptr("ignored"),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.JobStatusDone, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	require.NotNil(t, job.ResultRef)
	assert.Equal(t, "rs-1", *job.ResultRef)
	assert.Nil(t, job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)

	job, applied, err = repo.Transition(ctx, "job-1", domain.Transition{Status: domain.JobStatusError, Error: domain.Ptr("late")})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.JobStatusDone, job.Status)

	_, _, err = repo.Transition(ctx, "missing", domain.Transition{Status: domain.JobStatusRunning})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_TransitionSequenceInTx(t *testing.T) {
	path := t.TempDir() + "/jobs.db"
	repo, err := NewRepository(path)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = repo.Create(ctx, queuedJob("job-1", domain.JobKindSearch))
	require.NoError(t, err)

	steps := []struct {
		tr       domain.Transition
		status   domain.JobStatus
		progress int
	}{
		{domain.Transition{Status: domain.JobStatusRunning, Progress: domain.Ptr(25)}, domain.JobStatusRunning, 25},
		{domain.Transition{Status: domain.JobStatusDone, ResultRef: domain.Ptr("rs-1")}, domain.JobStatusDone, 100},
	}
	for _, step := range steps {
		var (
			job     domain.Job
			applied bool
		)
		require.NoError(t, repo.WithTx(ctx, func(tx ports.JobTx) error {
			var err error
			job, applied, err = tx.Transition(ctx, "job-1", step.tr)
			return err
		}))
		assert.True(t, applied, step.status)
		assert.Equal(t, "job-1", job.CorrelationKey)
		assert.Equal(t, step.status, job.Status)
		assert.Equal(t, step.progress, job.ProgressPercent)
	}
	require.NoError(t, repo.Close())

	reopened, err := NewRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	job, err := reopened.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, job.Status)
	require.NotNil(t, job.ResultRef)
	assert.Equal(t, "rs-1", *job.ResultRef)
	require.NotNil(t, job.CompletedAt)
}

func TestRepository_FindStuck(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := queuedJob("old", domain.JobKindGapAnalysis)
	old.CreatedAt = old.CreatedAt.Add(-2 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	_, err := repo.Create(ctx, old)
	require.NoError(t, err)

	_, err = repo.Create(ctx, queuedJob("fresh", domain.JobKindGapAnalysis))
	require.NoError(t, err)

	stuck, err := repo.FindStuck(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "old", stuck[0].CorrelationKey)
}

func TestRepository_WithTxAppendsItemsOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, queuedJob("job-1", domain.JobKindCitationCheck))
	require.NoError(t, err)

	items := []domain.ResultItem{
		{ItemKey: "c1", ItemType: "issue", Position: 0, Payload: json.RawMessage(`{"id":"c1"}`)},
		{ItemKey: "c2", ItemType: "issue", Position: 1, Payload: json.RawMessage(`{"id":"c2"}`)},
	}

	var first, second []domain.ResultItem
	require.NoError(t, repo.WithTx(ctx, func(tx ports.JobTx) error {
		var err error
		first, err = tx.AppendResultItems(ctx, "job-1", items)
		return err
	}))
	require.NoError(t, repo.WithTx(ctx, func(tx ports.JobTx) error {
		var err error
		second, err = tx.AppendResultItems(ctx, "job-1", items)
		return err
	}))
	assert.Len(t, first, 2)
	assert.Empty(t, second)

	stored, err := repo.ListResultItems(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	var count int
	repeated := append([]domain.ResultItem{}, items[0], items[0])
	repeated[1].Position = 3
	require.NoError(t, repo.WithTx(ctx, func(tx ports.JobTx) error {
		added, err := tx.AppendResultItems(ctx, "job-1", append(repeated, domain.ResultItem{
			ItemKey: "c3", ItemType: "issue", Position: 2, Payload: json.RawMessage(`{"id":"c3"}`),
		}))
		if err != nil {
			return err
		}
		assert.Len(t, added, 1)
		count, err = tx.CountResultItems(ctx, "job-1")
		return err
	}))
	assert.Equal(t, 3, count)
}

func TestRepository_WithTxRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, queuedJob("job-1", domain.JobKindSearch))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithTx(ctx, func(tx ports.JobTx) error {
		if _, _, err := tx.Transition(ctx, "job-1", domain.Transition{Status: domain.JobStatusDone}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestRepository_ResultsAndSummary(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetResultSet(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)

	rs := domain.ResultSet{
		ID:             "rs-1",
		CorrelationKey: "job-1",
		Kind:           domain.JobKindSearch,
		Summary:        map[string]any{"paperCount": float64(2)},
		ItemCount:      2,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.WithTx(ctx, func(tx ports.JobTx) error {
		return tx.SaveResultSet(ctx, rs)
	}))

	got, err := repo.GetResultSet(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rs.ID, got.ID)
	assert.Equal(t, rs.Summary, got.Summary)

	summary := domain.DeriveSummary(got, nil, time.Now().UTC())
	require.NoError(t, repo.CreateDerivedSummary(ctx, summary))
	err = repo.CreateDerivedSummary(ctx, summary)
	assert.ErrorIs(t, err, domain.ErrDuplicateSummary)

	stored, err := repo.GetDerivedSummary(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Counts["items"])
	assert.Equal(t, float64(2), stored.Totals["paperCount"])
}
