package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// Notifications forwards terminal job outcomes to the external notifier.
// Every failure is logged and swallowed.
type Notifications struct {
	logger   *slog.Logger
	notifier ports.Notifier
	resolver ports.RecipientResolver
	timeout  time.Duration
}

func NewNotifications(logger *slog.Logger, notifier ports.Notifier, resolver ports.RecipientResolver) *Notifications {
	return &Notifications{logger: logger, notifier: notifier, resolver: resolver, timeout: 5 * time.Second}
}

// JobFinished notifies the job's recipient. A nil receiver is a no-op.
func (n *Notifications) JobFinished(ctx context.Context, job domain.Job) {
	if n == nil || n.notifier == nil || n.resolver == nil || !job.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	userID, ok, err := n.resolver.Recipient(ctx, job)
	if err != nil {
		n.logger.Warn("notification recipient lookup failed", "job_id", job.CorrelationKey, "error", err)
		return
	}
	if !ok {
		return
	}

	data := map[string]any{
		"jobId":  job.CorrelationKey,
		"kind":   string(job.Kind),
		"status": string(job.Status),
	}
	if job.Message != "" {
		data["message"] = job.Message
	}
	if job.ErrorMessage != nil {
		data["error"] = *job.ErrorMessage
	}
	if job.ResultRef != nil {
		data["resultRef"] = *job.ResultRef
	}

	eventType := string(job.Kind) + "." + strings.ToLower(string(job.Status))
	if err := n.notifier.Send(ctx, userID, eventType, data); err != nil {
		n.logger.Warn("notification send failed", "job_id", job.CorrelationKey, "user_id", userID, "error", err)
	}
}
