package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// JobEvents builds the ordered events describing job: status, one issue
// per new item, then summary and the closing event when terminal.
func JobEvents(job domain.Job, rs *domain.ResultSet, newItems []domain.ResultItem) []domain.Event {
	events := []domain.Event{domain.StatusEvent(job)}
	for _, item := range newItems {
		events = append(events, domain.IssueEvent(job.CorrelationKey, item))
	}
	if !job.Status.Terminal() {
		return events
	}
	if job.Status == domain.JobStatusDone && rs != nil {
		events = append(events, domain.SummaryEvent(*rs))
	}
	return append(events, domain.TerminalEvent(job))
}

// StoreSnapshots reads registration snapshots from the repository.
type StoreSnapshots struct {
	Jobs    ports.JobReader
	Results interface {
		GetResultSet(ctx context.Context, key string) (domain.ResultSet, error)
	}
}

func (s StoreSnapshots) Snapshot(ctx context.Context, jobID string) (domain.Job, *domain.ResultSet, error) {
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, nil, err
	}
	if job.Status != domain.JobStatusDone || job.ResultRef == nil || s.Results == nil {
		return job, nil, nil
	}
	rs, err := s.Results.GetResultSet(ctx, jobID)
	if errors.Is(err, domain.ErrResultNotFound) {
		return job, nil, nil
	}
	if err != nil {
		return job, nil, fmt.Errorf("load result set: %w", err)
	}
	return job, &rs, nil
}
