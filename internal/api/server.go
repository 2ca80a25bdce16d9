// Package api serves the orchestrator operations over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
	"github.com/msageha/storyforge/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

// Operations is the part of orchestrator.Service the API exposes.
type Operations interface {
	Submit(ctx context.Context, idea string, force bool) (*orchestrator.SubmitResult, error)
	Status(ctx context.Context) (*orchestrator.StatusReport, error)
	Resume(ctx context.Context, opts orchestrator.ResumeOptions) (*orchestrator.ResumeResult, error)
	ResetStory(ctx context.Context, id string) (*model.Story, error)
	ResetFailed(ctx context.Context) ([]string, error)
}

type Options struct {
	APIKey   string
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger
}

// Server handles requests. Resume runs in the background; one run at a
// time.
type Server struct {
	ops      Operations
	apiKey   string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	// runCtx outlives individual requests; Close cancels it.
	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	running bool
	last    *runState
}

type runState struct {
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt *time.Time                 `json:"finished_at,omitempty"`
	Result     *orchestrator.ResumeResult `json:"result,omitempty"`
	Error      string                     `json:"error,omitempty"`
}

func NewServer(ops Operations, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ops:       ops,
		apiKey:    opts.APIKey,
		gatherer:  opts.Gatherer,
		logger:    opts.Logger,
		runCtx:    ctx,
		cancelRun: cancel,
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.healthHandler)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(apiKeyAuthMiddleware(s.apiKey))
		r.Post("/submit", s.submitHandler)
		r.Get("/status", s.statusHandler)
		r.Post("/resume", s.resumeHandler)
		r.Get("/runs/last", s.lastRunHandler)
		r.Post("/stories/{id}/reset", s.resetStoryHandler)
		r.Post("/reset-failed", s.resetFailedHandler)
	})
	return r
}

// Close cancels a background run and waits for it to settle.
func (s *Server) Close() {
	s.cancelRun()
	s.wg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func apiKeyAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get("X-API-Key")
			if provided == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					provided = strings.TrimPrefix(auth, "Bearer ")
				}
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondOpError maps the error taxonomy onto status codes.
func respondOpError(w http.ResponseWriter, err error) {
	var (
		cfgErr  *model.ConfigurationError
		lockErr *model.LockTimeoutError
	)
	switch {
	case errors.Is(err, model.ErrNoGraph), errors.Is(err, model.ErrStoryNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cfgErr):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &lockErr):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

type submitRequest struct {
	Idea  string `json:"idea"`
	Force bool   `json:"force"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.isRunning() {
		respondError(w, http.StatusConflict, "a run is in progress")
		return
	}
	res, err := s.ops.Submit(r.Context(), req.Idea, req.Force)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.ops.Status(r.Context())
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

type resumeRequest struct {
	MaxIterations int `json:"max_iterations"`
	Workers       int `json:"workers"`
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.MaxIterations < 0 || req.Workers < 0 {
		respondError(w, http.StatusBadRequest, "max_iterations and workers must not be negative")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		respondError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.running = true
	run := &runState{StartedAt: time.Now()}
	s.last = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.ops.Resume(s.runCtx, orchestrator.ResumeOptions{
			MaxIterations: req.MaxIterations,
			Workers:       req.Workers,
		})
		finished := time.Now()
		s.mu.Lock()
		run.FinishedAt = &finished
		run.Result = res
		if err != nil {
			run.Error = err.Error()
			s.logger.Error(s.runCtx, "background run failed", zap.Error(err))
		}
		s.running = false
		s.mu.Unlock()
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) lastRunHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		respondError(w, http.StatusNotFound, "no run has been started")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"running": s.running, "run": s.last})
}

func (s *Server) resetStoryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	story, err := s.ops.ResetStory(r.Context(), id)
	if err != nil {
		respondOpError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, story)
}

func (s *Server) resetFailedHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := s.ops.ResetFailed(r.Context())
	if err != nil {
		respondOpError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reset": ids})
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ListenAndServe serves on addr until ctx ends, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}
