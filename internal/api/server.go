package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Controller is the set of operator actions the front door exposes.
type Controller interface {
	EnqueueSeed(ctx context.Context, rawURL string, priority int) (crawler.EnqueueResult, error)
	PauseSource(ctx context.Context, id string) error
	ResumeSource(ctx context.Context, id string) error
	ListSources(ctx context.Context) ([]crawler.Source, error)
	Status(ctx context.Context) (Status, error)
	ResizeWorkers(n int) error
	Hosts() []crawler.HostState
	ResetHost(host string) bool
	Ready(ctx context.Context) error
}

// Status is the GET /v1/status payload.
type Status struct {
	Role             string                 `json:"role"`
	StartedAt        time.Time              `json:"started_at"`
	Workers          WorkerStatus           `json:"workers"`
	Queue            crawler.SchedulerStats `json:"queue"`
	Fingerprints     int                    `json:"fingerprints"`
	UnhealthySources []string               `json:"unhealthy_sources"`
	SuspendedHosts   []string               `json:"suspended_hosts"`
}

// WorkerStatus reports pool size and how many workers are mid-fetch.
type WorkerStatus struct {
	Size   int `json:"size"`
	Active int `json:"active"`
}

// SeedRequest is the POST /v1/seeds body.
type SeedRequest struct {
	URLs     []string `json:"urls"`
	Priority int      `json:"priority"`
}

// SeedResult reports what happened to one seed URL.
type SeedResult struct {
	URL   string           `json:"url"`
	JobID string           `json:"job_id,omitempty"`
	State crawler.JobState `json:"state,omitempty"`
	Error string           `json:"error,omitempty"`
}

// ResizeRequest is the PUT /v1/workers body.
type ResizeRequest struct {
	Count int `json:"count"`
}

// Options tune the router.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the controller.
type Server struct {
	router chi.Router
	ctl    Controller
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ctl Controller, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{ctl: ctl, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/seeds", s.seed)
		r.Get("/status", s.status)
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.listSources)
			r.Post("/{id}/pause", s.pauseSource)
			r.Post("/{id}/resume", s.resumeSource)
		})
		r.Put("/workers", s.resizeWorkers)
		r.Route("/hosts", func(r chi.Router) {
			r.Get("/", s.hosts)
			r.Post("/{host}/reset", s.resetHost)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Ready(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	var req SeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}

	results := make([]SeedResult, 0, len(req.URLs))
	var firstErr error
	failed := 0
	for _, raw := range req.URLs {
		res, err := s.ctl.EnqueueSeed(r.Context(), raw, req.Priority)
		out := SeedResult{URL: raw, JobID: res.JobID, State: res.State}
		if err != nil {
			if !errors.Is(err, crawler.ErrInvalidURL) {
				s.logger.Warn("seed enqueue failed", zap.String("url", raw), zap.Error(err))
			}
			if firstErr == nil {
				firstErr = err
			}
			failed++
			out.Error = err.Error()
		}
		results = append(results, out)
	}

	status := http.StatusAccepted
	if failed == len(results) {
		status = statusFor(firstErr)
	}
	writeJSON(w, status, map[string]any{"results": results})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.ctl.ListSources(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) pauseSource(w http.ResponseWriter, r *http.Request) {
	s.setSourceActive(w, r, false)
}

func (s *Server) resumeSource(w http.ResponseWriter, r *http.Request) {
	s.setSourceActive(w, r, true)
}

func (s *Server) setSourceActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := chi.URLParam(r, "id")
	var err error
	if active {
		err = s.ctl.ResumeSource(r.Context(), id)
	} else {
		err = s.ctl.PauseSource(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "active": active})
}

func (s *Server) resizeWorkers(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Count < 0 {
		writeError(w, http.StatusBadRequest, "count must be >= 0")
		return
	}
	if err := s.ctl.ResizeWorkers(req.Count); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": req.Count})
}

func (s *Server) hosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"hosts": s.ctl.Hosts()})
}

func (s *Server) resetHost(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if !s.ctl.ResetHost(host) {
		writeError(w, http.StatusNotFound, "host not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"host": host, "status": "reset"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrStoreUnavailable), errors.Is(err, crawler.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
