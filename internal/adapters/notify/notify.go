// Package notify provides the notifier and recipient resolver used when no
// external notification service is configured.
package notify

import (
	"context"
	"log/slog"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

var _ ports.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, userID string, eventType string, data map[string]any) error {
	n.logger.InfoContext(ctx, "notification", "user_id", userID, "event_type", eventType, "data", data)
	return nil
}

// OwnerResolver notifies the user that submitted the job.
type OwnerResolver struct{}

var _ ports.RecipientResolver = OwnerResolver{}

func (OwnerResolver) Recipient(_ context.Context, job domain.Job) (string, bool, error) {
	return job.UserID, job.UserID != "", nil
}
