package ports

import (
	"context"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
)

// JobReader is the read half of the job store.
type JobReader interface {
	// Get returns domain.ErrJobNotFound for unknown keys.
	Get(ctx context.Context, key string) (domain.Job, error)
}

// JobTx is the unit of work the response consumer applies atomically.
type JobTx interface {
	// Transition applies t if the job is non-terminal and t does not regress
	// its status. applied=false means nothing was written.
	Transition(ctx context.Context, key string, t domain.Transition) (job domain.Job, applied bool, err error)

	// SaveResultSet inserts the result set. A second set for the same
	// correlation key violates a unique constraint.
	SaveResultSet(ctx context.Context, rs domain.ResultSet) error

	// AppendResultItems inserts items, skipping keys already stored, and
	// returns only the newly inserted ones.
	AppendResultItems(ctx context.Context, key string, items []domain.ResultItem) ([]domain.ResultItem, error)

	// CountResultItems counts the items stored for the job, including
	// those written by earlier messages.
	CountResultItems(ctx context.Context, key string) (int, error)
}

// JobStore is the durable source of truth for job status.
type JobStore interface {
	JobReader

	// Create inserts a new job. Returns domain.ErrDuplicateCorrelationKey if
	// the key already exists.
	Create(ctx context.Context, job domain.Job) (domain.Job, error)

	// Transition is JobTx.Transition in its own transaction.
	Transition(ctx context.Context, key string, t domain.Transition) (domain.Job, bool, error)

	// FindStuck returns non-terminal jobs last updated before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]domain.Job, error)

	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)

	// WithTx runs fn in one transaction, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(tx JobTx) error) error
}

// ResultStore reads persisted results and stores derived summaries.
type ResultStore interface {
	GetResultSet(ctx context.Context, key string) (domain.ResultSet, error)
	ListResultItems(ctx context.Context, key string) ([]domain.ResultItem, error)

	// CreateDerivedSummary returns domain.ErrDuplicateSummary when another
	// caller stored the summary first.
	CreateDerivedSummary(ctx context.Context, s domain.DerivedSummary) error
	GetDerivedSummary(ctx context.Context, key string) (domain.DerivedSummary, error)
}

// Repository is what a storage adapter provides.
type Repository interface {
	JobStore
	ResultStore
	Close() error
}

// Message is a broker message independent of the transport.
type Message struct {
	RoutingKey    string
	CorrelationID string
	ContentType   string
	Body          []byte
}

// Publisher sends request messages to the broker exchange.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one inbound message with its settlement callbacks.
type Delivery struct {
	Message
	Redelivered bool
	Ack         func() error
	// Nack settles negatively. requeue=false routes to the dead-letter
	// exchange when the queue has one.
	Nack func(requeue bool) error
}

// Subscriber yields response deliveries until ctx is cancelled.
type Subscriber interface {
	Consume(ctx context.Context) (<-chan Delivery, error)
}

// Notifier is the external notification collaborator. Callers treat it
// as best-effort.
type Notifier interface {
	Send(ctx context.Context, userID string, eventType string, data map[string]any) error
}

// RecipientResolver maps a job to the user who should be notified.
type RecipientResolver interface {
	Recipient(ctx context.Context, job domain.Job) (userID string, ok bool, err error)
}
