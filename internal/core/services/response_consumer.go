package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// Outcome describes what OnResponse did with a message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnknown   Outcome = "unknown_job"
	OutcomeDuplicate Outcome = "duplicate"
)

// ResponseConsumer applies worker responses to the job store and fans the
// resulting events out to live subscribers.
type ResponseConsumer struct {
	logger   *slog.Logger
	store    ports.JobStore
	registry *Registry
	notify   *Notifications
	now      func() time.Time
}

func NewResponseConsumer(logger *slog.Logger, store ports.JobStore, registry *Registry, notify *Notifications) *ResponseConsumer {
	return &ResponseConsumer{
		logger:   logger,
		store:    store,
		registry: registry,
		notify:   notify,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleDelivery processes and settles one broker delivery. Malformed
// messages are rejected without requeue; any other failure requeues so the
// broker redelivers and the job keeps its prior state.
func (c *ResponseConsumer) HandleDelivery(ctx context.Context, d ports.Delivery) {
	outcome, err := c.OnResponse(ctx, d.Body)
	switch {
	case errors.Is(err, domain.ErrMalformedResponse):
		c.logger.Error("rejecting malformed response", "correlation_id", d.CorrelationID, "error", err)
		nack(c.logger, d, false)
	case err != nil:
		c.logger.Warn("response processing failed, requeueing",
			"correlation_id", d.CorrelationID, "redelivered", d.Redelivered, "error", err)
		nack(c.logger, d, true)
	default:
		c.logger.Debug("response settled", "correlation_id", d.CorrelationID, "outcome", outcome)
		if d.Ack != nil {
			if err := d.Ack(); err != nil {
				c.logger.Error("ack failed", "correlation_id", d.CorrelationID, "error", err)
			}
		}
	}
}

func nack(logger *slog.Logger, d ports.Delivery, requeue bool) {
	if d.Nack == nil {
		return
	}
	if err := d.Nack(requeue); err != nil {
		logger.Error("nack failed", "correlation_id", d.CorrelationID, "requeue", requeue, "error", err)
	}
}

// OnResponse applies one response body. Responses for unknown or already
// terminal jobs are dropped without error.
func (c *ResponseConsumer) OnResponse(ctx context.Context, body []byte) (Outcome, error) {
	msg, err := domain.ParseResponse(body)
	if err != nil {
		return "", err
	}
	key := msg.CorrelationKey

	job, err := c.store.Get(ctx, key)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.logger.Info("response for unknown job, dropping", "job_id", key)
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", key, err)
	}
	if job.Status.Terminal() {
		c.logger.Warn("duplicate or late delivery for terminal job, dropping",
			"job_id", key, "status", job.Status, "response_status", msg.Status)
		return OutcomeDuplicate, nil
	}
	if msg.JobKind != "" && msg.JobKind != job.Kind {
		return "", fmt.Errorf("%w: job %s is %s, response is %s", domain.ErrMalformedResponse, key, job.Kind, msg.JobKind)
	}

	t := msg.Transition()
	var items []domain.ResultItem
	var rs *domain.ResultSet
	if t.Status != domain.JobStatusError {
		payload, err := domain.DecodeResult(job.Kind, msg.Result)
		if err != nil {
			return "", err
		}
		if items, err = payload.Items(); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
		if t.Status == domain.JobStatusDone {
			rs = &domain.ResultSet{
				ID:             uuid.NewString(),
				CorrelationKey: key,
				Kind:           job.Kind,
				Summary:        payload.Summary(),
				CreatedAt:      c.now(),
			}
			t.ResultRef = &rs.ID
		}
	}

	var (
		updated  domain.Job
		applied  bool
		newItems []domain.ResultItem
	)
	err = c.store.WithTx(ctx, func(tx ports.JobTx) error {
		var err error
		// The guarded transition is the compare-and-swap; a concurrent
		// delivery that lost the race writes nothing.
		updated, applied, err = tx.Transition(ctx, key, t)
		if err != nil || !applied {
			return err
		}
		if len(items) > 0 {
			if newItems, err = tx.AppendResultItems(ctx, key, items); err != nil {
				return err
			}
		}
		if rs == nil {
			return nil
		}
		// ItemCount is the stored row count: identical items share a row
		// and progress messages may have stored items this one omits.
		if rs.ItemCount, err = tx.CountResultItems(ctx, key); err != nil {
			return err
		}
		return tx.SaveResultSet(ctx, *rs)
	})
	if err != nil {
		return "", fmt.Errorf("apply response for %s: %w", key, err)
	}
	if !applied {
		c.logger.Warn("concurrent delivery already settled job, dropping", "job_id", key, "status", updated.Status)
		return OutcomeDuplicate, nil
	}

	c.logger.Info("job updated from response",
		"job_id", key, "kind", job.Kind, "status", updated.Status, "progress", updated.ProgressPercent, "new_items", len(newItems))

	c.registry.Publish(key, JobEvents(updated, rs, newItems)...)
	if updated.Status.Terminal() {
		c.notify.JobFinished(ctx, updated)
	}
	return OutcomeApplied, nil
}
