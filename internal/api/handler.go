package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/sammy995/Local-LLM-Arena/internal/auth"
	"github.com/sammy995/Local-LLM-Arena/internal/conversation"
	"github.com/sammy995/Local-LLM-Arena/internal/dispatch"
	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/metrics"
	"github.com/sammy995/Local-LLM-Arena/internal/pullguard"
	"github.com/sammy995/Local-LLM-Arena/internal/ratelimit"
	"github.com/sammy995/Local-LLM-Arena/internal/router"
	"github.com/sammy995/Local-LLM-Arena/internal/telemetry"
)

const (
	Version     = "0.3.0"
	ServiceName = "local-llm-arena"
)

// ModelService lists and manages models across providers.
type ModelService interface {
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
	CanManage(provider string) error
	Pull(ctx context.Context, provider, model string, progress func(domain.PullProgress)) error
	Delete(ctx context.Context, provider, model string) error
}

// BreakerReporter exposes per-provider circuit breaker states on /api/health.
type BreakerReporter interface {
	CircuitBreakerStates() map[string]string
}

type HandlerConfig struct {
	Builder      *conversation.Builder
	Coordinator  *dispatch.Coordinator
	Models       ModelService
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
	Auth         *auth.Authenticator
	// HealthCheckers back /health/ready.
	HealthCheckers []HealthChecker
	DefaultModels  []string
	CORSOrigins    []string
	StaticDir      string
	MaxBodyBytes   int64
	PullTimeout    time.Duration
	// PullGuard refuses a second pull of a model already downloading.
	// Nil uses an in-process guard.
	PullGuard pullguard.Guard
	Logger    *slog.Logger
}

type Handler struct {
	builder       *conversation.Builder
	coordinator   *dispatch.Coordinator
	models        ModelService
	rateLimiter   ratelimit.RateLimiter
	rateLimitRPM  int
	defaultModels []string
	maxBodyBytes  int64
	pullTimeout   time.Duration
	pullGuard     pullguard.Guard
	logger        *slog.Logger
	mux           *http.ServeMux
	handler       http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	pullTimeout := cfg.PullTimeout
	if pullTimeout <= 0 {
		pullTimeout = time.Hour
	}
	pullGuard := cfg.PullGuard
	if pullGuard == nil {
		pullGuard = pullguard.NewInMemoryGuard(pullTimeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		builder:       cfg.Builder,
		coordinator:   cfg.Coordinator,
		models:        cfg.Models,
		rateLimiter:   cfg.RateLimiter,
		rateLimitRPM:  cfg.RateLimitRPM,
		defaultModels: cfg.DefaultModels,
		maxBodyBytes:  maxBody,
		pullTimeout:   pullTimeout,
		pullGuard:     pullGuard,
		logger:        logger,
		mux:           http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("POST /api/stream_chat", h.handleStreamChat)
	h.mux.HandleFunc("GET /api/models", h.handleListModels)
	h.mux.HandleFunc("POST /api/pull_model", h.handlePullModel)
	h.mux.HandleFunc("POST /api/delete_model", h.handleDeleteModel)
	h.mux.HandleFunc("POST /api/clear", h.handleClear)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.HealthCheckers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.StaticDir != "" {
		index := filepath.Join(cfg.StaticDir, "index.html")
		h.mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, index)
		})
		h.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))
	}

	var handler http.Handler = h.mux
	if cfg.Auth != nil {
		handler = cfg.Auth.Middleware("/api/health")(handler)
	}
	handler = withRequestID(handler)
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Skip-Cache"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			MaxAge:         300,
		})(handler)
	}
	h.handler = handler

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, false)
}

func (h *Handler) handleStreamChat(w http.ResponseWriter, r *http.Request) {
	h.chat(w, r, true)
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, forceStream bool) {
	ctx := telemetry.Extract(r)
	requestID := RequestIDFromContext(ctx)

	if !h.allow(w, r) {
		return
	}

	var req domain.ChatRequest
	if err := h.decode(w, r, &req); err != nil {
		metrics.RecordRequest(modeLabel(forceStream), "invalid")
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dreq, err := h.builder.Build(req)
	if err != nil {
		metrics.RecordRequest(modeLabel(forceStream || req.Stream), "invalid")
		h.logger.Info("request rejected", "request_id", requestID, "error", err)
		writeDomainError(w, err)
		return
	}
	dreq.Streaming = forceStream || req.Stream

	if r.Header.Get("X-Skip-Cache") == "true" {
		ctx = router.WithoutCache(ctx)
	}

	ctx, span := telemetry.StartSpan(ctx, "api.chat", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	telemetry.AddRequestAttributes(span, requestID, len(dreq.Instances), dreq.Streaming)

	if dreq.Streaming {
		h.streamResponse(ctx, w, dreq, requestID)
		return
	}
	h.joinResponse(ctx, w, dreq, requestID)
}

type instanceJSON struct {
	InstanceID string          `json:"instance_id"`
	Model      string          `json:"model"`
	Assistant  string          `json:"assistant"`
	Metrics    *domain.Metrics `json:"metrics,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type singleSuccessJSON struct {
	InstanceID string              `json:"instance_id"`
	Model      string              `json:"model"`
	Assistant  string              `json:"assistant"`
	Metrics    *domain.Metrics     `json:"metrics"`
	History    domain.Conversation `json:"history"`
}

type singleErrorJSON struct {
	InstanceID string `json:"instance_id"`
	Model      string `json:"model"`
	Error      string `json:"error"`
}

type arenaJSON struct {
	Results map[string]instanceJSON `json:"results"`
	Errors  map[string]string       `json:"errors"`
}

func (h *Handler) joinResponse(ctx context.Context, w http.ResponseWriter, dreq domain.DispatchRequest, requestID string) {
	start := time.Now()

	results, err := h.coordinator.Dispatch(ctx, dreq)
	if err != nil {
		metrics.RecordRequest("join", "invalid")
		writeDomainError(w, err)
		return
	}

	errs := results.Errors()
	status := requestStatus(len(errs), len(results))
	metrics.RecordRequest("join", status)
	h.logger.Info("request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(ctx),
		"mode", "join",
		"instances", len(results),
		"failed", len(errs),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if len(dreq.Instances) == 1 {
		inst := dreq.Instances[0]
		res := results[inst.ID]
		if res.Failed() {
			writeJSON(w, http.StatusOK, singleErrorJSON{InstanceID: inst.ID, Model: inst.Model, Error: res.Err.Error()})
			return
		}
		history := append(dreq.Conversation.Clone(), domain.Message{Role: domain.RoleAssistant, Content: res.Content})
		writeJSON(w, http.StatusOK, singleSuccessJSON{
			InstanceID: inst.ID,
			Model:      inst.Model,
			Assistant:  res.Content,
			Metrics:    res.Metrics,
			History:    history,
		})
		return
	}

	out := arenaJSON{Results: make(map[string]instanceJSON, len(results)), Errors: errs}
	for id, res := range results {
		ij := instanceJSON{InstanceID: id, Model: res.Model, Assistant: res.Content, Metrics: res.Metrics}
		if res.Err != nil {
			ij.Error = res.Err.Error()
		}
		out.Results[id] = ij
	}
	writeJSON(w, http.StatusOK, out)
}

// streamResponse writes one NDJSON line per event and flushes after each.
func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, dreq domain.DispatchRequest, requestID string) {
	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.coordinator.Stream(ctx, dreq)
	if err != nil {
		metrics.RecordRequest("stream", "invalid")
		writeDomainError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	var failed, tokens int
	for ev := range stream.Events(ctx) {
		switch ev.Type {
		case domain.EventError:
			failed++
		case domain.EventToken:
			tokens++
		}
		if err := enc.Encode(ev); err != nil {
			h.logger.Warn("client went away", "request_id", requestID, "error", err)
			metrics.RecordRequest("stream", "aborted")
			return
		}
		flusher.Flush()
	}

	if stream.Pending() > 0 {
		metrics.RecordRequest("stream", "aborted")
		h.logger.Warn("stream ended early", "request_id", requestID, "pending", stream.Pending())
		return
	}

	metrics.RecordRequest("stream", requestStatus(failed, len(dreq.Instances)))
	h.logger.Info("request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(ctx),
		"mode", "stream",
		"instances", len(dreq.Instances),
		"failed", failed,
		"token_events", tokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"models": h.modelNames(r.Context())})
}

// modelNames falls back to the configured list when no provider answers
// or none has models installed.
func (h *Handler) modelNames(ctx context.Context) []string {
	models, err := h.models.ListModels(ctx)
	if err != nil {
		h.logger.Warn("failed to list models", "error", err)
	}

	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	if len(names) == 0 {
		names = append(names, h.defaultModels...)
	}
	return names
}

type modelRequest struct {
	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`
}

func (h *Handler) handlePullModel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.modelRequest(w, r)
	if !ok {
		return
	}
	if err := h.models.CanManage(req.Provider); err != nil {
		writeDomainError(w, err)
		return
	}
	if !h.pullGuard.Acquire(r.Context(), req.Provider, req.Model) {
		writeError(w, http.StatusConflict, "pull already in progress")
		return
	}

	requestID := RequestIDFromContext(r.Context())
	ctx := context.WithoutCancel(r.Context())
	go func() {
		defer h.pullGuard.Release(ctx, req.Provider, req.Model)

		ctx, cancel := context.WithTimeout(ctx, h.pullTimeout)
		defer cancel()

		h.logger.Info("pulling model", "request_id", requestID, "model", req.Model)
		err := h.models.Pull(ctx, req.Provider, req.Model, func(p domain.PullProgress) {
			h.logger.Debug("pull progress", "model", req.Model, "status", p.Status, "completed", p.Completed, "total", p.Total)
		})
		if err != nil {
			h.logger.Error("model pull failed", "request_id", requestID, "model", req.Model, "error", err)
			return
		}
		h.logger.Info("model pulled", "request_id", requestID, "model", req.Model)
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "downloading", "model": req.Model})
}

func (h *Handler) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	req, ok := h.modelRequest(w, r)
	if !ok {
		return
	}

	if err := h.models.Delete(r.Context(), req.Provider, req.Model); err != nil {
		h.logger.Warn("model delete failed", "model", req.Model, "error", err)
		if errors.Is(err, domain.ErrModelManagementUnsupported) || errors.Is(err, domain.ErrProviderNotFound) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "model": req.Model})
}

func (h *Handler) modelRequest(w http.ResponseWriter, r *http.Request) (modelRequest, bool) {
	var req modelRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return req, false
	}
	return req, true
}

// handleClear exists for UI compatibility. History lives in the client.
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	models, err := h.models.ListModels(r.Context())
	if err != nil {
		status = "degraded"
	}

	body := map[string]any{
		"status":           status,
		"service":          ServiceName,
		"version":          Version,
		"models_available": len(models),
	}
	if br, ok := h.models.(BreakerReporter); ok {
		body["circuit_breakers"] = br.CircuitBreakerStates()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil || h.rateLimitRPM <= 0 {
		return true
	}

	client := clientKey(r)
	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), client, h.rateLimitRPM)
	if err != nil {
		h.logger.Error("rate limiter error", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit(client)
		h.logger.Warn("rate limit exceeded", "client", client, "request_id", RequestIDFromContext(r.Context()))
		writeDomainError(w, domain.ErrRateLimitExceeded)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodyBytes)).Decode(v)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func modeLabel(streaming bool) string {
	if streaming {
		return "stream"
	}
	return "join"
}

func requestStatus(failed, total int) string {
	switch {
	case failed == 0:
		return "success"
	case failed < total:
		return "partial"
	default:
		return "error"
	}
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrRateLimitExceeded):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, domain.ErrModelManagementUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, domain.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBackend):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
