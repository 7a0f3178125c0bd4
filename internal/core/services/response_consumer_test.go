package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/ports"
)

func searchSuccess(key string, paperIDs ...string) []byte {
	papers := ""
	for i, id := range paperIDs {
		if i > 0 {
			papers += ","
		}
		papers += fmt.Sprintf(`{"id":%q,"title":"Paper %s","source":"arxiv"}`, id, id)
	}
	return []byte(fmt.Sprintf(`{"correlationKey":%q,"jobKind":"search","status":"SUCCESS","result":{"query":"q","papers":[%s]}}`, key, papers))
}

func TestResponseConsumer_DuplicateSuccessIsAppliedOnce(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	notifier := &recordingNotifier{}
	consumer := NewResponseConsumer(testLogger(), repo, registry, NewNotifications(testLogger(), notifier, ownerResolver{}))
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindSearch)

	sink := &recordingSink{}
	sub, err := registry.Register(ctx, "job-1", sink)
	require.NoError(t, err)

	body := searchSuccess("job-1", "p1", "p2")
	outcome, err := consumer.OnResponse(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = consumer.OnResponse(ctx, body)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	waitDone(t, sub)
	assert.Equal(t, []domain.EventType{
		domain.EventTypeStatus, // snapshot
		domain.EventTypeStatus,
		domain.EventTypeIssue,
		domain.EventTypeIssue,
		domain.EventTypeSummary,
		domain.EventTypeComplete,
	}, sink.types())

	items, err := repo.ListResultItems(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, job.Status)
	assert.Equal(t, 100, job.ProgressPercent)
	require.NotNil(t, job.ResultRef)

	rs, err := repo.GetResultSet(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, *job.ResultRef, rs.ID)
	assert.Equal(t, 2, rs.ItemCount)

	sent := notifier.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "user-1", sent[0].userID)
	assert.Equal(t, "search.done", sent[0].eventType)
}

func TestResponseConsumer_ConcurrentDuplicates(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)
	createJob(t, repo, "job-1", domain.JobKindSearch)

	body := searchSuccess("job-1", "p1")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := consumer.OnResponse(context.Background(), body)
			if err != nil {
				return
			}
			if outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	items, err := repo.ListResultItems(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestResponseConsumer_ProgressAppendsOnlyNewItems(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindSearch)

	sink := &recordingSink{}
	sub, err := registry.Register(ctx, "job-1", sink)
	require.NoError(t, err)

	_, err = consumer.OnResponse(ctx, []byte(`{"correlationKey":"job-1","status":"PROGRESS","progressPercent":50,"currentStep":"ranking","result":{"papers":[{"id":"p1","title":"A"}]}}`))
	require.NoError(t, err)
	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.Equal(t, 50, job.ProgressPercent)
	assert.Equal(t, "ranking", job.CurrentStep)

	// Progress never goes backwards.
	_, err = consumer.OnResponse(ctx, []byte(`{"correlationKey":"job-1","status":"PROGRESS","progressPercent":10}`))
	require.NoError(t, err)
	job, err = repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 50, job.ProgressPercent)

	_, err = consumer.OnResponse(ctx, searchSuccess("job-1", "p1", "p2"))
	require.NoError(t, err)
	waitDone(t, sub)

	assert.Equal(t, 2, sink.count(domain.EventTypeIssue), "p1 is announced once")
	assert.Equal(t, 1, sink.count(domain.EventTypeComplete))
}

func TestResponseConsumer_ItemCountMatchesStoredItems(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindSearch)

	sink := &recordingSink{}
	sub, err := registry.Register(ctx, "job-1", sink)
	require.NoError(t, err)

	_, err = consumer.OnResponse(ctx, []byte(`{"correlationKey":"job-1","status":"PROGRESS","progressPercent":30,"result":{"papers":[{"id":"p1","title":"A"}]}}`))
	require.NoError(t, err)

	// p1 is not repeated and the two untitled papers without an id are identical.
	_, err = consumer.OnResponse(ctx, []byte(`{"correlationKey":"job-1","status":"SUCCESS","result":{"papers":[{"id":"p2","title":"B"},{"title":"Untitled"},{"title":"Untitled"}]}}`))
	require.NoError(t, err)
	waitDone(t, sub)

	items, err := repo.ListResultItems(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 3)

	rs, err := repo.GetResultSet(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, len(items), rs.ItemCount)

	var summary *domain.SummaryData
	for _, e := range sink.all() {
		if e.Type == domain.EventTypeSummary {
			data := e.Data.(domain.SummaryData)
			summary = &data
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, len(items), summary.ItemCount)
}

func TestResponseConsumer_FailureMarksError(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindGapAnalysis)

	sink := &recordingSink{}
	sub, err := registry.Register(ctx, "job-1", sink)
	require.NoError(t, err)

	_, err = consumer.OnResponse(ctx, []byte(`{"correlationKey":"job-1","status":"FAILURE","message":"model unavailable"}`))
	require.NoError(t, err)
	waitDone(t, sub)

	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "model unavailable", *job.ErrorMessage)
	assert.Equal(t, domain.EventTypeError, sink.types()[len(sink.types())-1])

	_, err = repo.GetResultSet(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)
}

func TestResponseConsumer_LateSuccessAfterCancel(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)
	control := NewJobControl(testLogger(), repo, registry, nil)
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindSearch)

	_, err := control.Cancel(ctx, "job-1")
	require.NoError(t, err)

	outcome, err := consumer.OnResponse(ctx, searchSuccess("job-1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	items, err := repo.ListResultItems(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResponseConsumer_UnknownAndMalformed(t *testing.T) {
	repo := newTestRepo(t)
	consumer := NewResponseConsumer(testLogger(), repo, newTestRegistry(t, repo), nil)
	ctx := context.Background()
	createJob(t, repo, "job-1", domain.JobKindSearch)

	outcome, err := consumer.OnResponse(ctx, searchSuccess("nobody", "p1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknown, outcome)

	for name, body := range map[string]string{
		"not json":       `{"correlationKey":`,
		"missing key":    `{"status":"SUCCESS"}`,
		"unknown status": `{"correlationKey":"job-1","status":"DONE"}`,
		"kind mismatch":  `{"correlationKey":"job-1","jobKind":"extraction","status":"SUCCESS"}`,
		"bad result":     `{"correlationKey":"job-1","status":"SUCCESS","result":{"papers":"none"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := consumer.OnResponse(ctx, []byte(body))
			assert.ErrorIs(t, err, domain.ErrMalformedResponse)
		})
	}

	job, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

// settlement records how a delivery was settled.
type settlement struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (s *settlement) delivery(body []byte) ports.Delivery {
	return ports.Delivery{
		Message: ports.Message{CorrelationID: "c-1", Body: body},
		Ack: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.acked = true
			return nil
		},
		Nack: func(requeue bool) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.nacked, s.requeue = true, requeue
			return nil
		},
	}
}

// flakyStore fails reads so the consumer sees a transient error.
type flakyStore struct {
	ports.JobStore
}

func (flakyStore) Get(context.Context, string) (domain.Job, error) {
	return domain.Job{}, errors.New("connection refused")
}

func TestResponseConsumer_HandleDeliverySettlement(t *testing.T) {
	repo := newTestRepo(t)
	registry := newTestRegistry(t, repo)
	createJob(t, repo, "job-1", domain.JobKindSearch)
	ctx := context.Background()

	consumer := NewResponseConsumer(testLogger(), repo, registry, nil)

	ok := &settlement{}
	consumer.HandleDelivery(ctx, ok.delivery(searchSuccess("job-1", "p1")))
	assert.True(t, ok.acked)
	assert.False(t, ok.nacked)

	unknown := &settlement{}
	consumer.HandleDelivery(ctx, unknown.delivery(searchSuccess("ghost")))
	assert.True(t, unknown.acked)

	malformed := &settlement{}
	consumer.HandleDelivery(ctx, malformed.delivery([]byte(`garbage`)))
	assert.True(t, malformed.nacked)
	assert.False(t, malformed.requeue)

	transient := &settlement{}
	NewResponseConsumer(testLogger(), flakyStore{repo}, registry, nil).
		HandleDelivery(ctx, transient.delivery(searchSuccess("job-1", "p1")))
	assert.True(t, transient.nacked)
	assert.True(t, transient.requeue)
}

func TestResponseConsumer_KindsPersistItems(t *testing.T) {
	tests := []struct {
		kind  domain.JobKind
		body  string
		items int
	}{
		{domain.JobKindExtraction, `{"document":{"title":"T","sections":[{"heading":"Intro","text":"a b c"},{"heading":"Method","text":"d e"}]}}`, 2},
		{domain.JobKindGapAnalysis, `{"gaps":[{"id":"g1","title":"No longitudinal data","confidence":0.9}]}`, 1},
		{domain.JobKindCitationCheck, `{"totalCitations":3,"issues":[{"citationKey":"x","type":"missing","severity":"high","message":"m"}]}`, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			repo := newTestRepo(t)
			consumer := NewResponseConsumer(testLogger(), repo, newTestRegistry(t, repo), nil)
			key := "job-" + string(tt.kind)
			createJob(t, repo, key, tt.kind)

			_, err := consumer.OnResponse(context.Background(), []byte(fmt.Sprintf(`{"correlationKey":%q,"status":"SUCCESS","completedAt":%q,"result":%s}`,
				key, time.Now().UTC().Format(time.RFC3339), tt.body)))
			require.NoError(t, err)

			items, err := repo.ListResultItems(context.Background(), key)
			require.NoError(t, err)
			assert.Len(t, items, tt.items)
		})
	}
}
