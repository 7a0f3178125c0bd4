// Package kernel is the HTTP surface of the job relay: submission, polling,
// cancellation and the live event stream.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
	"github.com/rs/cors"

	"github.com/manthysbr/jobrelay/internal/core/domain"
	"github.com/manthysbr/jobrelay/internal/core/services"
	"github.com/manthysbr/jobrelay/internal/middleware"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	CORSOrigins []string
	SubmitLimit middleware.RateLimitConfig
	Health      map[string]HealthCheck
}

type Server struct {
	logger    *slog.Logger
	submitter *services.Submitter
	control   *services.JobControl
	registry  *services.Registry
	doc       *openapi3.T
	validator *requestValidator
	limiter   *middleware.RateLimiter
	opts      Options
}

func NewServer(
	logger *slog.Logger,
	submitter *services.Submitter,
	control *services.JobControl,
	registry *services.Registry,
	opts Options,
) (*Server, error) {
	doc, err := LoadOpenAPI()
	if err != nil {
		return nil, err
	}
	validator, err := newRequestValidator(doc)
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:    logger,
		submitter: submitter,
		control:   control,
		registry:  registry,
		doc:       doc,
		validator: validator,
		limiter:   middleware.NewRateLimiter(opts.SubmitLimit),
		opts:      opts,
	}, nil
}

// Limiter exposes the submission rate limiter so its eviction loop can be
// run alongside the server.
func (s *Server) Limiter() *middleware.RateLimiter { return s.limiter }

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/openapi.json", s.handleOpenAPI)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Use(s.validator.Handler)
		r.With(s.limiter.Handler).Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleCancelJob)
			r.Get("/events", s.handleJobEvents)
			r.Get("/results", s.handleJobResults)
			r.Get("/summary", s.handleJobSummary)
		})
	})

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-User-ID", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Location"},
	}).Handler(r)
}

type submitJobRequest struct {
	Kind           domain.JobKind  `json:"kind"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ProjectID      string          `json:"projectId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	CorrelationKey string          `json:"correlationKey,omitempty"`
}

type submitJobResponse struct {
	ID     string           `json:"id"`
	Status domain.JobStatus `json:"status"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}

	key, err := s.submitter.Submit(r.Context(), services.SubmitRequest{
		Kind:           req.Kind,
		Payload:        req.Payload,
		ProjectID:      req.ProjectID,
		UserID:         userID,
		CorrelationKey: req.CorrelationKey,
	})
	switch {
	case errors.Is(err, domain.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicateCorrelationKey):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrPublishFailure):
		writeError(w, http.StatusBadGateway, "job could not be dispatched")
	case err != nil:
		s.internalError(w, r, "submit job", err)
	default:
		w.Header().Set("Location", "/v1/jobs/"+key)
		writeJSON(w, http.StatusAccepted, submitJobResponse{ID: key, Status: domain.JobStatusQueued})
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		status *string
		kind   *string
		limit  *int
	)
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "status", query, &status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "kind", query, &kind); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var filter domain.JobFilter
	if status != nil {
		st, err := domain.ParseStatus(strings.ToUpper(*status))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = st
	}
	if kind != nil {
		k, err := domain.ParseKind(*kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = k
	}
	if limit != nil {
		filter.Limit = *limit
	}

	jobs, err := s.control.List(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// jobKey binds the {key} path parameter.
func jobKey(r *http.Request) (string, error) {
	var key string
	err := runtime.BindStyledParameterWithOptions("simple", "key", chi.URLParam(r, "key"), &key, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	return key, err
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.control.GetStatus(r.Context(), key)
	if err != nil {
		s.lookupError(w, r, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.control.Cancel(r.Context(), key)
	if err != nil {
		s.lookupError(w, r, "cancel job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.control.Results(r.Context(), key)
	if err != nil {
		s.lookupError(w, r, "get results", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobSummary(w http.ResponseWriter, r *http.Request) {
	key, err := jobKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	summary, err := s.control.Summary(r.Context(), key)
	if err != nil {
		s.lookupError(w, r, "get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	code := http.StatusOK
	checks := make(map[string]string, len(s.opts.Health))
	for name, check := range s.opts.Health {
		if err := check(ctx); err != nil {
			code = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.doc)
}

func (s *Server) lookupError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrResultNotFound):
		writeError(w, http.StatusNotFound, "result not available")
	default:
		s.internalError(w, r, op, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error("request failed", "op", op, "request_id", middleware.RequestIDFromContext(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"code":500,"message":"encode response"}`)
	}
}
