package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/jobrelay/internal/core/domain"
)

// Sink receives the events of one subscription. Calls are serialized.
type Sink interface {
	Send(ctx context.Context, e domain.Event) error
}

type SinkFunc func(ctx context.Context, e domain.Event) error

func (f SinkFunc) Send(ctx context.Context, e domain.Event) error { return f(ctx, e) }

// SnapshotSource supplies the current state of a job at registration time.
type SnapshotSource interface {
	Snapshot(ctx context.Context, jobID string) (domain.Job, *domain.ResultSet, error)
}

type RegistryConfig struct {
	HeartbeatInterval time.Duration
	BufferSize        int
	SendTimeout       time.Duration
}

// Registry maps job ids to live subscriptions. It is process-local and
// starts empty; clients re-subscribe or poll after a restart.
type Registry struct {
	logger    *slog.Logger
	snapshots SnapshotSource
	cfg       RegistryConfig

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // job id -> subscription id
	closed bool
}

func NewRegistry(logger *slog.Logger, snapshots SnapshotSource, cfg RegistryConfig) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Registry{
		logger:    logger,
		snapshots: snapshots,
		cfg:       cfg,
		subs:      make(map[string]map[string]*Subscription),
	}
}

// Subscription is one live observer of a job.
type Subscription struct {
	id        string
	jobID     string
	createdAt time.Time
	sink      Sink
	registry  *Registry

	queue    chan domain.Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	closing   bool // terminal event queued, nothing else is accepted
	heartbeat bool
}

func (s *Subscription) ID() string           { return s.id }
func (s *Subscription) JobID() string        { return s.jobID }
func (s *Subscription) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the subscription stopped delivering and will not
// touch its sink again.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// HeartbeatScheduled reports whether keep-alives were started.
func (s *Subscription) HeartbeatScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat
}

// Register subscribes sink to jobID. If the job is already terminal the
// snapshot and the closing event are delivered right away and the
// subscription ends on its own without a heartbeat.
func (r *Registry) Register(ctx context.Context, jobID string, sink Sink) (*Subscription, error) {
	sub := &Subscription{
		id:        uuid.NewString(),
		jobID:     jobID,
		createdAt: time.Now().UTC(),
		sink:      sink,
		registry:  r,
		queue:     make(chan domain.Event, r.cfg.BufferSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Insert before reading the snapshot so a terminal event published in
	// between is not missed.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRegistryClosed
	}
	if r.subs[jobID] == nil {
		r.subs[jobID] = make(map[string]*Subscription)
	}
	r.subs[jobID][sub.id] = sub
	r.mu.Unlock()

	job, rs, err := r.snapshots.Snapshot(ctx, jobID)
	if err != nil {
		r.remove(sub)
		return nil, fmt.Errorf("snapshot job %s: %w", jobID, err)
	}

	for _, e := range JobEvents(job, rs, nil) {
		sub.offer(e)
	}

	heartbeat := !job.Status.Terminal()
	sub.mu.Lock()
	sub.heartbeat = heartbeat && !sub.closing
	heartbeat = sub.heartbeat
	sub.mu.Unlock()

	go sub.run(r.cfg.HeartbeatInterval, heartbeat)

	r.logger.Debug("subscriber registered", "job_id", jobID, "subscription_id", sub.id, "terminal", job.Status.Terminal())
	return sub, nil
}

// Publish delivers events, in order, to every current subscriber of jobID.
// It never blocks: a subscriber whose buffer is full is dropped.
func (r *Registry) Publish(jobID string, events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	targets := make([]*Subscription, 0, len(r.subs[jobID]))
	for _, sub := range r.subs[jobID] {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		for _, e := range events {
			if overflow := sub.offer(e); overflow {
				r.logger.Warn("subscriber buffer full, dropping subscriber",
					"job_id", jobID, "subscription_id", sub.id, "error", domain.ErrSubscriberSend)
				r.Unregister(sub)
				break
			}
		}
	}
}

// Unregister stops sub. Safe to call any number of times from any path.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.stopOnce.Do(func() { close(sub.stop) })
	r.remove(sub)
}

// Count returns the number of live subscriptions for jobID.
func (r *Registry) Count(jobID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[jobID])
}

// Close unregisters every subscription and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*Subscription
	for _, byID := range r.subs {
		for _, sub := range byID {
			all = append(all, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range all {
		r.Unregister(sub)
	}
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.subs[sub.jobID]
	if byID == nil {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(r.subs, sub.jobID)
	}
}

// offer enqueues e without blocking. It reports overflow when the buffer
// is full; events after a terminal one are ignored.
func (s *Subscription) offer(e domain.Event) (overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	select {
	case s.queue <- e:
		if e.Terminal() {
			s.closing = true
		}
		return false
	default:
		return true
	}
}

func (s *Subscription) run(interval time.Duration, heartbeat bool) {
	defer close(s.done)
	defer s.registry.Unregister(s)

	var tick <-chan time.Time
	if heartbeat {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.stop:
			return
		case e := <-s.queue:
			if err := s.deliver(e); err != nil {
				s.registry.logger.Warn("subscriber send failed, unregistering",
					"job_id", s.jobID, "subscription_id", s.id, "event", e.Type, "error", err)
				return
			}
			if e.Terminal() {
				return
			}
		case <-tick:
			hb := domain.Event{JobID: s.jobID, Type: domain.EventTypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := s.deliver(hb); err != nil {
				s.registry.logger.Debug("heartbeat send failed, unregistering",
					"job_id", s.jobID, "subscription_id", s.id, "error", err)
				return
			}
		}
	}
}

func (s *Subscription) deliver(e domain.Event) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.registry.cfg.SendTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: sink panic: %v", domain.ErrSubscriberSend, rec)
		}
	}()
	if err := s.sink.Send(ctx, e); err != nil {
		if errors.Is(err, domain.ErrSubscriberSend) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrSubscriberSend, err)
	}
	return nil
}
