package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/manthysbr/jobrelay/internal/core/domain"
)

// sseSink writes registry events as server-sent events. The registry
// serializes calls, so no locking is needed here.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w)}
}

func (s *sseSink) Send(ctx context.Context, e domain.Event) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	if e.Type == domain.EventTypeHeartbeat {
		if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
			return err
		}
		return s.flush()
	}

	data, err := e.MarshalEnvelope()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	return s.flush()
}

func (s *sseSink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// handleJobEvents streams the job's events until the job finishes or the
// client goes away. The first events are the current snapshot.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.control.GetStatus(r.Context(), key); err != nil {
		s.lookupError(w, r, "stream events", err)
		return
	}

	// Headers go out before Register: the pump may write the snapshot
	// immediately.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := newSSESink(w)
	if err := sink.flush(); err != nil {
		return
	}

	ctx := r.Context()
	sub, err := s.registry.Register(ctx, key, sink)
	if err != nil {
		s.logger.Warn("stream registration failed", "job_id", key, "error", err)
		return
	}

	select {
	case <-ctx.Done():
	case <-sub.Done():
	}
	s.registry.Unregister(sub)
	// The pump must be finished with w before the handler returns.
	<-sub.Done()
	_ = sink.rc.SetWriteDeadline(time.Time{})
}
