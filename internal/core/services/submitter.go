package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// SubmitRequest is one job submission. CorrelationKey is optional; a fresh
// UUID is generated when it is empty.
type SubmitRequest struct {
	Kind           domain.JobKind
	Payload        json.RawMessage
	ProjectID      string
	UserID         string
	CorrelationKey string
}

// Submitter records a job and publishes its request message.
type Submitter struct {
	logger         *slog.Logger
	store          ports.JobStore
	publisher      ports.Publisher
	registry       *Registry
	publishTimeout time.Duration
	now            func() time.Time
}

func NewSubmitter(logger *slog.Logger, store ports.JobStore, publisher ports.Publisher, registry *Registry, publishTimeout time.Duration) *Submitter {
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &Submitter{
		logger:         logger,
		store:          store,
		publisher:      publisher,
		registry:       registry,
		publishTimeout: publishTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Submit returns a correlation key that will eventually resolve, or an
// error. The job row is written before the publish so an early response
// always finds it; a failed publish marks the job ERROR.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownKind, req.Kind)
	}
	key := strings.TrimSpace(req.CorrelationKey)
	if key == "" {
		key = uuid.NewString()
	}

	now := s.now()
	job, err := s.store.Create(ctx, domain.Job{
		CorrelationKey: key,
		Kind:           req.Kind,
		Status:         domain.JobStatusQueued,
		CurrentStep:    "queued",
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		Payload:        req.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateCorrelationKey) {
			return "", err
		}
		return "", fmt.Errorf("failed to save job: %w", err)
	}

	body, err := json.Marshal(domain.RequestMessage{
		CorrelationKey: key,
		JobKind:        req.Kind,
		Payload:        req.Payload,
		SubmittedAt:    now,
	})
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		err = s.publisher.Publish(pubCtx, ports.Message{
			RoutingKey:    req.Kind.RoutingKey(),
			CorrelationID: key,
			ContentType:   "application/json",
			Body:          body,
		})
		cancel()
	}
	if err != nil {
		s.abandon(ctx, job, err)
		return "", fmt.Errorf("%w: %v", domain.ErrPublishFailure, err)
	}

	s.logger.Info("job submitted", "job_id", key, "kind", req.Kind)
	s.registry.Publish(key, domain.StatusEvent(job))
	return key, nil
}

// abandon marks a job whose request never reached the broker. The caller's
// context may already be cancelled, so the write gets its own deadline.
func (s *Submitter) abandon(ctx context.Context, job domain.Job, cause error) {
	s.logger.Error("job submission failed", "job_id", job.CorrelationKey, "kind", job.Kind, "error", cause)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	updated, applied, err := s.store.Transition(writeCtx, job.CorrelationKey, domain.Transition{
		Status: domain.JobStatusError,
		Step:   domain.Ptr("submission"),
		Error:  domain.Ptr("submission failed: " + cause.Error()),
	})
	if err != nil {
		s.logger.Error("failed to mark unpublished job", "job_id", job.CorrelationKey, "error", err)
		return
	}
	if applied {
		s.registry.Publish(job.CorrelationKey, JobEvents(updated, nil, nil)...)
	}
}
