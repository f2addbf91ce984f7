package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/WarriorSushi/Speedstein-sub004/internal/batch"
	"github.com/WarriorSushi/Speedstein-sub004/internal/metrics"
	"github.com/WarriorSushi/Speedstein-sub004/internal/pipeline"
	"github.com/WarriorSushi/Speedstein-sub004/internal/render"
)

// Generator is the single-request entry point, satisfied by
// *pipeline.Pipeline.
type Generator interface {
	Authenticate(ctx context.Context, apiKey string) (render.Credential, render.Tenant, error)
	Generate(ctx context.Context, tenant render.Tenant, cred render.Credential, html string, opts render.Options) (pipeline.Result, error)
}

// BatchRunner is the batch entry point, satisfied by *batch.Orchestrator.
type BatchRunner interface {
	Run(ctx context.Context, tenant render.Tenant, cred render.Credential, items []batch.Item) (render.BatchJob, error)
}

// Config bounds the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 20
	}
	return c
}

// Server wires HTTP handlers to the pipeline and orchestrator.
type Server struct {
	router  chi.Router
	gen     Generator
	batches BatchRunner
	ready   func() bool
	clock   render.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. rpcHandler
// may be nil when the websocket endpoint is disabled; ready reports
// whether the renderer pool can serve traffic.
func NewServer(
	cfg Config,
	gen Generator,
	batches BatchRunner,
	rpcHandler http.Handler,
	ready func() bool,
	clock render.Clock,
	logger *zap.Logger,
) *Server {
	metrics.Init()
	s := &Server{
		gen:     gen,
		batches: batches,
		ready:   ready,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(s.cfg.RequestTimeout))
			r.Post("/pdf", s.generatePDF)
			r.Post("/pdf/batch", s.generateBatch)
		})
		if rpcHandler != nil {
			// No timeout wrapper: the connection is long-lived and the
			// rpc layer enforces per-call timeouts itself.
			r.Handle("/rpc", rpcHandler)
		}
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "renderer pool unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type generateRequest struct {
	HTML    string         `json:"html"`
	Options render.Options `json:"options"`
}

type batchRequest struct {
	Items []generateRequest `json:"items"`
}

func (s *Server) generatePDF(w http.ResponseWriter, r *http.Request) {
	cred, tenant, err := s.gen.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		writeRenderError(w, render.AsError(err))
		return
	}

	var req generateRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRenderError(w, decodeError(err))
		return
	}

	start := s.clock.Now()
	res, err := s.gen.Generate(r.Context(), tenant, cred, req.HTML, req.Options)
	if err != nil {
		re := render.AsError(err)
		if re.Code == render.CodeQuotaExceeded {
			setRateHeaders(w, quotaStateFromError(tenant, re))
		}
		writeRenderError(w, re)
		return
	}

	setRateHeaders(w, res.Quota)
	writeJSON(w, http.StatusOK, successEnvelope{
		Success:          true,
		URL:              res.Artifact.URL,
		SizeBytes:        res.Artifact.SizeBytes,
		PageCount:        res.Artifact.PageCount,
		GenerationTimeMs: s.clock.Now().Sub(start).Milliseconds(),
		ExpiresAt:        res.Artifact.ExpiresAt.Format(time.RFC3339),
		Deduplicated:     res.Deduplicated,
	})
}

func (s *Server) generateBatch(w http.ResponseWriter, r *http.Request) {
	cred, tenant, err := s.gen.Authenticate(r.Context(), apiKey(r))
	if err != nil {
		writeRenderError(w, render.AsError(err))
		return
	}

	var req batchRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRenderError(w, decodeError(err))
		return
	}

	items := make([]batch.Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = batch.Item{HTML: item.HTML, Options: item.Options}
	}
	job, err := s.batches.Run(r.Context(), tenant, cred, items)
	if err != nil {
		writeRenderError(w, render.AsError(err))
		return
	}
	if job.Quota.Limit > 0 {
		setRateHeaders(w, job.Quota)
	}
	writeJSON(w, http.StatusOK, batchEnvelope{
		Success: true,
		BatchID: job.ID,
		Status:  job.Status,
		Items:   job.Items,
	})
}

func apiKey(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return key
}

func decodeError(err error) *render.Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return render.NewError(render.CodePayloadTooLarge, "request body exceeds size limit", err)
	}
	return render.NewError(render.CodeInvalidInput, "invalid JSON body", err)
}

// quotaStateFromError rebuilds the tenant's standing from a
// QUOTA_EXCEEDED error so the rejection carries the full header set.
func quotaStateFromError(tenant render.Tenant, re *render.Error) render.QuotaState {
	q := render.QuotaState{Limit: tenant.QuotaLimit, Used: tenant.QuotaLimit, ResetAt: re.ResetAt}
	if used, ok := re.Details["used"].(int64); ok {
		q.Used = used
	}
	if q.Remaining = q.Limit - q.Used; q.Remaining < 0 {
		q.Remaining = 0
	}
	return q
}

func setRateHeaders(w http.ResponseWriter, q render.QuotaState) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(q.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(q.Remaining, 10))
	w.Header().Set("X-RateLimit-Used", strconv.FormatInt(q.Used, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(q.ResetAt.Unix(), 10))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeRenderError(w, render.NewError(render.CodeInternal, "internal server error", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type requestIDKey struct{}

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

// Hijack lets the websocket upgrade pass through the middleware stack.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
