// Package api exposes the Control API HTTP interface for the crawl
// execution engine, per §6.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/config"
	"github.com/crawlpit/crawlpit/internal/controller"
	"github.com/crawlpit/crawlpit/internal/crawler"
	"github.com/crawlpit/crawlpit/internal/metrics"
	"github.com/crawlpit/crawlpit/internal/middleware"
	"github.com/crawlpit/crawlpit/internal/registry"
)

// Server wires HTTP handlers to the Engine Registry and the Record Store
// Adapter.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	store    crawler.Store
	deps     controller.Deps
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(reg *registry.Registry, store crawler.Store, deps controller.Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: reg,
		store:    store,
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.createTask)
		r.Route("/{task_id}", func(r chi.Router) {
			r.Get("/", s.getTask)
			r.Put("/", s.updateTask)
			r.Delete("/", s.deleteTask)
			r.Post("/start", s.startTask)
			r.Post("/pause", s.pauseTask)
			r.Post("/resume", s.resumeTask)
			r.Post("/stop", s.stopTask)
			r.Post("/pause-queue", s.pauseQueue)
			r.Post("/resume-queue", s.resumeQueue)
			r.Get("/urls", s.listURLs)
			r.Get("/stats", s.taskStats)
			r.Get("/export", s.exportTask)
		})
	})
	r.Get("/monitor/{task_id}/current", s.monitorCurrent)
	r.Get("/download", s.download)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	configs := s.registry.ListConfigs()
	type taskSummary struct {
		Config    crawler.TaskConfig `json:"config"`
		Lifecycle crawler.Lifecycle  `json:"lifecycle"`
	}
	out := make([]taskSummary, 0, len(configs))
	for _, cfg := range configs {
		lifecycle := crawler.LifecyclePending
		if c, ok := s.registry.GetController(cfg.ID); ok {
			lifecycle = c.Snapshot().Lifecycle
		}
		out = append(out, taskSummary{Config: cfg, Lifecycle: lifecycle})
	}
	writeOK(w, http.StatusOK, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var cfg crawler.TaskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.registry.CreateConfig(cfg); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, http.StatusCreated, cfg)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.registry.GetConfig(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not found")
		return
	}
	writeOK(w, http.StatusOK, cfg)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var cfg crawler.TaskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg.ID = taskID
	if err := s.registry.UpdateConfig(cfg); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrTaskRunning) {
			status = http.StatusConflict
		}
		writeErr(w, status, err.Error())
		return
	}
	writeOK(w, http.StatusOK, cfg)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.registry.DeleteConfig(taskID); err != nil {
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to delete task records")
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"task_id": taskID})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	c, err := s.registry.StartByID(r.Context(), taskID, s.deps)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.GetController(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not running")
		return
	}
	if err := c.PauseWorkers(); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := s.registry.Resume(r.Context(), taskID, s.deps); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	c, _ := s.registry.GetController(taskID)
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.GetController(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not running")
		return
	}
	if err := c.Stop(); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.GetController(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not running")
		return
	}
	if err := c.PauseFrontier(); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.GetController(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not running")
		return
	}
	if err := c.ResumeFrontier(); err != nil {
		writeErr(w, http.StatusConflict, err.Error())
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) monitorCurrent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.registry.GetController(chi.URLParam(r, "task_id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "task not running")
		return
	}
	writeOK(w, http.StatusOK, c.Snapshot())
}

func (s *Server) listURLs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	q := r.URL.Query()
	filter := crawler.ListFilter{
		Status:      crawler.RecordStatus(q.Get("status")),
		Prefix:      q.Get("prefix"),
		Extension:   q.Get("extension"),
		ContentType: q.Get("content_type"),
		Offset:      parseIntOrDefault(q.Get("offset"), 0),
		Limit:       parseIntOrDefault(q.Get("limit"), 100),
	}
	records, err := s.store.ListURLs(r.Context(), taskID, filter)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to list urls")
		return
	}
	writeOK(w, http.StatusOK, records)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	stats, err := s.store.AggregateStats(r.Context(), taskID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	writeOK(w, http.StatusOK, stats)
}

func (s *Server) exportTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	records, err := s.store.ListURLs(r.Context(), taskID, crawler.ListFilter{})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to export task")
		return
	}
	writeOK(w, http.StatusOK, records)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeErr(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	resp, err := s.deps.Fetcher.Fetch(r.Context(), crawler.FetchRequest{URL: target})
	if err != nil {
		writeErr(w, http.StatusBadGateway, "fetch failed")
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Error("write download response", zap.Error(err))
	}
}

func parseIntOrDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeErr(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return h.Hijack()
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeErr(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}
