package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/manthysbr/jobrelay/internal/adapters/duckdb"
	"github.com/manthysbr/jobrelay/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *duckdb.Repository {
	t.Helper()
	repo, err := duckdb.NewRepository(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestRegistry(t *testing.T, repo *duckdb.Repository) *Registry {
	t.Helper()
	r := NewRegistry(testLogger(), StoreSnapshots{Jobs: repo, Results: repo}, RegistryConfig{
		HeartbeatInterval: time.Hour,
		SendTimeout:       time.Second,
	})
	t.Cleanup(r.Close)
	return r
}

func createJob(t *testing.T, repo *duckdb.Repository, key string, kind domain.JobKind) domain.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	job, err := repo.Create(context.Background(), domain.Job{
		CorrelationKey: key,
		Kind:           kind,
		Status:         domain.JobStatusQueued,
		CurrentStep:    "queued",
		UserID:         "user-1",
		Payload:        json.RawMessage(`{}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	return job
}

// recordingSink keeps every event it is sent.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Send(ctx context.Context, e domain.Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) count(typ domain.EventType) int {
	n := 0
	for _, got := range s.types() {
		if got == typ {
			n++
		}
	}
	return n
}

// snapshotFunc adapts a function to SnapshotSource.
type snapshotFunc func(ctx context.Context, jobID string) (domain.Job, *domain.ResultSet, error)

func (f snapshotFunc) Snapshot(ctx context.Context, jobID string) (domain.Job, *domain.ResultSet, error) {
	return f(ctx, jobID)
}

func staticSnapshot(job domain.Job, rs *domain.ResultSet) snapshotFunc {
	return func(context.Context, string) (domain.Job, *domain.ResultSet, error) {
		return job, rs, nil
	}
}

type recordedNotification struct {
	userID    string
	eventType string
	data      map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, userID, eventType string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{userID: userID, eventType: eventType, data: data})
	return n.err
}

func (n *recordingNotifier) all() []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]recordedNotification(nil), n.sent...)
}

type ownerResolver struct{}

func (ownerResolver) Recipient(_ context.Context, job domain.Job) (string, bool, error) {
	return job.UserID, job.UserID != "", nil
}
