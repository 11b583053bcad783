// Package dispatch fans one conversation out to N model instances.
//
// Each request owns its workers, result map and merge channel. Instance
// failures are converted to data at the worker boundary and never affect
// sibling instances. The Coordinator itself holds only static configuration.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/metrics"
	"github.com/sammy995/Local-LLM-Arena/internal/stats"
	"github.com/sammy995/Local-LLM-Arena/internal/telemetry"
)

// Backend is the single point of contact with model engines.
//
// ChatStream follows the channel pair convention: fragments is closed when
// the reply ends, and errs yields at most one error before being closed.
type Backend interface {
	Chat(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (*domain.Completion, error)
	ChatStream(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (<-chan domain.Fragment, <-chan error)
}

// Config controls fan-out for every request handled by a Coordinator.
type Config struct {
	// MaxConcurrency bounds simultaneously active instances per request.
	MaxConcurrency int
	// BufferSize is the merge channel capacity for streaming requests.
	BufferSize int
	Logger     *slog.Logger
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		BufferSize:     64,
	}
}

// Coordinator runs dispatch and stream requests against one Backend.
type Coordinator struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// New creates a Coordinator. Limits below 1 are raised to 1.
func New(backend Backend, cfg Config) *Coordinator {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{backend: backend, cfg: cfg, logger: logger}
}

// Results maps instance id to its settled outcome.
type Results map[string]domain.InstanceResult

// Errors returns the error message of every failed instance.
func (r Results) Errors() map[string]string {
	out := make(map[string]string)
	for id, res := range r {
		if res.Err != nil {
			out[id] = res.Err.Error()
		}
	}
	return out
}

// Dispatch invokes every instance and waits for all of them. The returned
// map holds exactly one entry per instance whatever each outcome was.
func (c *Coordinator) Dispatch(ctx context.Context, req domain.DispatchRequest) (Results, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch.join")
	defer span.End()

	var (
		mu      sync.Mutex
		results = make(Results, len(req.Instances))
		g       errgroup.Group
	)
	g.SetLimit(c.cfg.MaxConcurrency)

	for _, inst := range req.Instances {
		g.Go(func() error {
			res := c.invoke(ctx, inst, req.Conversation)
			mu.Lock()
			results[inst.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// validate rejects requests whose instances cannot each own one result entry.
func validate(req domain.DispatchRequest) error {
	if len(req.Instances) == 0 {
		return domain.NewValidationError("no model instances requested")
	}
	seen := make(map[string]struct{}, len(req.Instances))
	for _, inst := range req.Instances {
		if _, dup := seen[inst.ID]; dup {
			return domain.NewValidationError("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	return nil
}

func (c *Coordinator) invoke(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (res domain.InstanceResult) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.instance")
	defer span.End()
	telemetry.AddInstanceAttributes(span, inst.ID, providerLabel(inst), inst.Model)

	metrics.InstancesInFlight.Inc()
	defer metrics.InstancesInFlight.Dec()

	res = domain.InstanceResult{InstanceID: inst.ID, Model: inst.Model}
	collector := stats.NewCollector()

	defer func() {
		if r := recover(); r != nil {
			res.Content = ""
			res.Metrics = nil
			res.Err = recovered(inst, r)
		}
		c.settle(span, inst, collector.Finish(), res.Err)
	}()

	comp, err := c.backend.Chat(ctx, inst, conv.Clone())
	if err == nil && comp == nil {
		err = errors.New("empty completion")
	}
	if err != nil {
		res.Err = domain.AsBackendError(providerLabel(inst), inst.Model, err)
		return res
	}

	collector.Append(comp.Content)
	collector.ReportTokens(comp.EvalCount)
	m := collector.Finish()

	res.Content = comp.Content
	res.Metrics = &m
	return res
}

// settle records the outcome of one instance in logs, metrics and its span.
func (c *Coordinator) settle(span trace.Span, inst domain.ModelInstance, m domain.Metrics, err error) {
	provider := providerLabel(inst)
	if err != nil {
		metrics.RecordInstance(provider, inst.Model, "error", m.DurationSeconds)
		metrics.RecordProviderError(provider, errorType(err))
		telemetry.AddErrorAttribute(span, err)
		c.logger.Warn("instance failed",
			"instance_id", inst.ID,
			"model", inst.Model,
			"provider", provider,
			"duration_s", m.DurationSeconds,
			"error", err,
		)
		return
	}

	metrics.RecordInstance(provider, inst.Model, "success", m.DurationSeconds)
	metrics.RecordTokens(provider, inst.Model, m.Tokens)
	telemetry.AddMetricsAttributes(span, m.Tokens, m.FirstTokenSeconds, m.TokensPerSecond)
	c.logger.Debug("instance completed",
		"instance_id", inst.ID,
		"model", inst.Model,
		"provider", provider,
		"tokens", m.Tokens,
		"duration_s", m.DurationSeconds,
	)
}

func recovered(inst domain.ModelInstance, r any) error {
	return &domain.BackendError{
		Provider: providerLabel(inst),
		Model:    inst.Model,
		Err:      fmt.Errorf("panic: %v", r),
	}
}

func providerLabel(inst domain.ModelInstance) string {
	if inst.Provider == "" {
		return "default"
	}
	return inst.Provider
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return "circuit_open"
	case errors.Is(err, domain.ErrProviderNotFound):
		return "provider_not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "backend"
	}
}
