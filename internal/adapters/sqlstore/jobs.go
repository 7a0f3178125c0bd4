// Package sqlstore holds the SQL shared by the relational job stores.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
)

// Placeholder renders the n-th (1-based) bind parameter.
type Placeholder func(n int) string

var (
	Question Placeholder = func(int) string { return "?" }
	Dollar   Placeholder = func(n int) string { return "$" + strconv.Itoa(n) }
)

const JobColumns = `correlation_key, kind, status, progress_percent, current_step, message,
	error_message, result_ref, project_id, user_id, payload, created_at, updated_at, completed_at`

// Scanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanJob reads one row selected with JobColumns.
func ScanJob(row Scanner) (domain.Job, error) {
	var (
		job         domain.Job
		kind        string
		status      string
		errMsg      sql.NullString
		resultRef   sql.NullString
		payload     sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&job.CorrelationKey, &kind, &status, &job.ProgressPercent, &job.CurrentStep, &job.Message,
		&errMsg, &resultRef, &job.ProjectID, &job.UserID, &payload, &job.CreatedAt, &job.UpdatedAt, &completedAt)
	if err != nil {
		return domain.Job{}, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if resultRef.Valid {
		job.ResultRef = &resultRef.String
	}
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		job.CompletedAt = &at
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

// InsertJob builds the INSERT for a new job.
func InsertJob(job domain.Job, ph Placeholder) (string, []any) {
	var payload any
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}
	args := []any{
		job.CorrelationKey, string(job.Kind), string(job.Status), domain.ClampProgress(job.ProgressPercent),
		job.CurrentStep, job.Message, job.ProjectID, job.UserID, payload, job.CreatedAt, job.UpdatedAt,
	}
	query := `INSERT INTO jobs (correlation_key, kind, status, progress_percent, current_step, message,
		project_id, user_id, payload, created_at, updated_at)
		VALUES (` + marks(ph, len(args)) + `)`
	return query, args
}

// GuardedTransition builds an UPDATE that applies t only while the job is
// in a status t may be entered from. Zero rows affected means the
// transition was refused or the key is unknown. Stores that support it
// append Returning to get the updated row back in the same statement.
func GuardedTransition(key string, t domain.Transition, now time.Time, ph Placeholder) (string, []any) {
	var (
		sets []string
		args []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	sets = append(sets, "status = "+bind(string(t.Status)))
	sets = append(sets, "updated_at = "+bind(now))
	switch {
	case t.Status == domain.JobStatusDone:
		sets = append(sets, "progress_percent = 100")
	case t.Progress != nil:
		sets = append(sets, "progress_percent = GREATEST(progress_percent, "+bind(domain.ClampProgress(*t.Progress))+")")
	}
	if t.Step != nil {
		sets = append(sets, "current_step = "+bind(*t.Step))
	}
	if t.Message != nil {
		sets = append(sets, "message = "+bind(*t.Message))
	}
	if t.Error != nil && t.Status == domain.JobStatusError {
		sets = append(sets, "error_message = COALESCE(error_message, "+bind(*t.Error)+")")
	}
	if t.ResultRef != nil && t.Status == domain.JobStatusDone {
		sets = append(sets, "result_ref = "+bind(*t.ResultRef))
	}
	if t.Status.Terminal() {
		sets = append(sets, "completed_at = COALESCE(completed_at, "+bind(now)+")")
	}

	where := "correlation_key = " + bind(key)
	sources := domain.AllowedSources(t.Status)
	if len(sources) == 0 {
		where += " AND FALSE"
	} else {
		in := make([]string, len(sources))
		for i, s := range sources {
			in[i] = bind(string(s))
		}
		where += " AND status IN (" + strings.Join(in, ", ") + ")"
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE " + where
	return query, args
}

// Returning extends an UPDATE on jobs to yield the full row.
func Returning(query string) string {
	return query + " RETURNING " + JobColumns
}

// ListJobs builds the filtered listing query, newest first.
func ListJobs(filter domain.JobFilter, ph Placeholder) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, "status = "+ph(len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		conds = append(conds, "kind = "+ph(len(args)))
	}
	query := "SELECT " + JobColumns + " FROM jobs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s", ph(len(args)))
	return query, args
}

// FindStuck builds the query for non-terminal jobs idle since cutoff.
func FindStuck(cutoff time.Time, ph Placeholder) (string, []any) {
	args := []any{cutoff}
	in := make([]string, len(domain.TerminalStatuses))
	for i, s := range domain.TerminalStatuses {
		args = append(args, string(s))
		in[i] = ph(len(args))
	}
	query := "SELECT " + JobColumns + " FROM jobs WHERE updated_at < " + ph(1) +
		" AND status NOT IN (" + strings.Join(in, ", ") + ") ORDER BY updated_at"
	return query, args
}
