package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/catalog"
	"github.com/JakeFAU/webpage-change-monitor/internal/config"
	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/scheduler"
)

// Catalog is the target and resource facade the handlers drive.
type Catalog interface {
	CreateResource(ctx context.Context, in catalog.ResourceInput) (monitor.Resource, error)
	GetResource(ctx context.Context, id string) (monitor.Resource, error)
	ListResources(ctx context.Context, page monitor.PageRequest) ([]monitor.Resource, int, error)
	DeleteResource(ctx context.Context, id string) error
	CreateTarget(ctx context.Context, in catalog.TargetInput) (monitor.Target, error)
	UpdateTarget(ctx context.Context, id string, in catalog.TargetInput) (monitor.Target, error)
	DeleteTarget(ctx context.Context, id string) error
	DeleteTargetsByResource(ctx context.Context, resourceID string) (int, error)
	GetTarget(ctx context.Context, id string) (monitor.Target, error)
	ListTargets(ctx context.Context, page monitor.PageRequest) ([]monitor.Target, int, error)
	ListTargetsByResource(ctx context.Context, resourceID string, page monitor.PageRequest) ([]monitor.Target, int, error)
	ListSnapshots(ctx context.Context, targetID string, page monitor.PageRequest) ([]monitor.Snapshot, int, error)
}

// Trigger starts manual runs and reports the installed schedule.
type Trigger interface {
	Fire(targetID string) bool
	Entries() []scheduler.Entry
}

// Outcomes reports the last run of a target.
type Outcomes interface {
	Last(targetID string) (monitor.Outcome, bool)
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of a Server. Ready is optional.
type Deps struct {
	Catalog  Catalog
	Trigger  Trigger
	Outcomes Outcomes
	Ready    ReadinessCheck
}

// Server wires HTTP handlers to the catalog and scheduler.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/public", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/resources", func(r chi.Router) {
			r.Post("/", s.createResource)
			r.Get("/", s.listResources)
			r.Get("/{id}", s.getResource)
			r.Delete("/{id}", s.deleteResource)
		})
		r.Route("/targets", func(r chi.Router) {
			r.Post("/", s.createTarget)
			r.Put("/", s.updateTarget)
			r.Get("/", s.listTargets)
			r.Get("/resource/{resourceId}", s.listTargetsByResource)
			r.Delete("/resource/{resourceId}", s.deleteTargetsByResource)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTarget)
				r.Put("/", s.updateTarget)
				r.Delete("/", s.deleteTarget)
				r.Get("/snapshots", s.listSnapshots)
				r.Get("/outcome", s.getOutcome)
				r.Post("/run", s.runTarget)
			})
		})
		r.Get("/schedule", s.listSchedule)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSchedule(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Trigger.Entries()
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// pageRequest reads page, count, sortDirection and sortBy query parameters.
// Missing values are left zero for the catalog to default.
func pageRequest(r *http.Request) (monitor.PageRequest, error) {
	q := r.URL.Query()
	var page monitor.PageRequest
	var err error
	if raw := q.Get("page"); raw != "" {
		if page.Page, err = strconv.Atoi(raw); err != nil || page.Page < 1 {
			return monitor.PageRequest{}, errors.New("page must be a positive integer")
		}
	}
	if raw := q.Get("count"); raw != "" {
		if page.Count, err = strconv.Atoi(raw); err != nil || page.Count < 1 {
			return monitor.PageRequest{}, errors.New("count must be a positive integer")
		}
	}
	switch dir := monitor.SortDirection(q.Get("sortDirection")); dir {
	case "", monitor.SortAscending, monitor.SortDescending:
		page.SortDirection = dir
	default:
		return monitor.PageRequest{}, errors.New("sortDirection must be Ascending or Descending")
	}
	page.SortBy = q.Get("sortBy")
	return page, nil
}

// writeServiceError maps domain errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, monitor.ErrInvalidTarget),
		errors.Is(err, monitor.ErrInvalidResource),
		errors.Is(err, monitor.ErrInvalidSchedule):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, s.logger, status, payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, s.logger, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}
