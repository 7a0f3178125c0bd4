package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobKind selects the worker, the response schema and the result persistence
// applied to a job.
type JobKind string

const (
	JobKindSearch        JobKind = "search"
	JobKindExtraction    JobKind = "extraction"
	JobKindGapAnalysis   JobKind = "gapAnalysis"
	JobKindCitationCheck JobKind = "citationCheck"
)

// JobKinds lists every kind a submitter accepts.
var JobKinds = []JobKind{JobKindSearch, JobKindExtraction, JobKindGapAnalysis, JobKindCitationCheck}

func (k JobKind) Valid() bool {
	for _, known := range JobKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RoutingKey is the broker routing key requests of this kind are published on.
func (k JobKind) RoutingKey() string {
	return "request." + string(k)
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusDone      JobStatus = "DONE"
	JobStatusError     JobStatus = "ERROR"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// TerminalStatuses are the statuses no transition may leave.
var TerminalStatuses = []JobStatus{JobStatusDone, JobStatusError, JobStatusCancelled}

func (s JobStatus) Valid() bool {
	return s.rank() >= 0
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError || s == JobStatusCancelled
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusDone, JobStatusError, JobStatusCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a job in status s may move to next.
// Status never regresses and nothing leaves a terminal status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() || !next.Valid() || !s.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// AllowedSources returns the statuses from which next may be entered. Stores
// use it to build the guarded UPDATE so the check happens inside the database.
func AllowedSources(next JobStatus) []JobStatus {
	var out []JobStatus
	for _, s := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Job is one unit of asynchronous work tracked under a correlation key.
type Job struct {
	CorrelationKey  string          `json:"id"`
	Kind            JobKind         `json:"kind"`
	Status          JobStatus       `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	CurrentStep     string          `json:"currentStep"`
	Message         string          `json:"message"`
	ErrorMessage    *string         `json:"error,omitempty"`
	ResultRef       *string         `json:"resultRef,omitempty"`
	ProjectID       string          `json:"projectId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Payload         json.RawMessage `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Transition describes one requested state change. Nil fields keep the
// current value.
type Transition struct {
	Status    JobStatus
	Progress  *int
	Step      *string
	Message   *string
	Error     *string
	ResultRef *string
}

// Apply returns job with t applied, or ok=false when t is not permitted.
// Stores that cannot express the rules in SQL use it directly.
func (t Transition) Apply(job Job, now time.Time) (Job, bool) {
	if !job.Status.CanTransition(t.Status) {
		return job, false
	}
	job.Status = t.Status
	if t.Progress != nil {
		if p := ClampProgress(*t.Progress); p > job.ProgressPercent {
			job.ProgressPercent = p
		}
	}
	if t.Step != nil {
		job.CurrentStep = *t.Step
	}
	if t.Message != nil {
		job.Message = *t.Message
	}
	if t.Error != nil && job.ErrorMessage == nil && t.Status == JobStatusError {
		msg := *t.Error
		job.ErrorMessage = &msg
	}
	if t.ResultRef != nil && t.Status == JobStatusDone {
		ref := *t.ResultRef
		job.ResultRef = &ref
	}
	if t.Status == JobStatusDone {
		job.ProgressPercent = 100
	}
	if t.Status.Terminal() && job.CompletedAt == nil {
		at := now
		job.CompletedAt = &at
	}
	job.UpdatedAt = now
	return job, true
}

func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
}

var (
	ErrJobNotFound             = errors.New("job not found")
	ErrResultNotFound          = errors.New("result not found")
	ErrDuplicateCorrelationKey = errors.New("duplicate correlation key")
	ErrUnknownKind             = errors.New("unknown job kind")
	ErrPublishFailure          = errors.New("publish failure")
	ErrMalformedResponse       = errors.New("malformed response message")
	ErrSubscriberSend          = errors.New("subscriber send failure")
	ErrRegistryClosed          = errors.New("subscriber registry closed")
	ErrDuplicateSummary        = errors.New("derived summary already exists")
)

// StatusError reports a status string that is not part of the model.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid job status %q", e.Status)
}

func ParseStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !st.Valid() {
		return "", &StatusError{Status: s}
	}
	return st, nil
}

func ParseKind(s string) (JobKind, error) {
	k := JobKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

func Ptr[T any](v T) *T { return &v }
