package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sammy995/Local-LLM-Arena/internal/cache"
	"github.com/sammy995/Local-LLM-Arena/internal/circuitbreaker"
	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/metrics"
	"github.com/sammy995/Local-LLM-Arena/internal/telemetry"
)

// Provider is one model engine. Implementations return canonical
// completions and fragments regardless of the engine's wire format.
type Provider interface {
	ID() string
	Chat(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (*domain.Completion, error)
	ChatStream(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (<-chan domain.Fragment, <-chan error)
	Models(ctx context.Context) ([]domain.ModelInfo, error)
	HealthCheck(ctx context.Context) error
}

// ModelManager is implemented by providers that can download and remove models.
type ModelManager interface {
	Pull(ctx context.Context, model string, progress func(domain.PullProgress)) error
	Delete(ctx context.Context, model string) error
}

type Config struct {
	DefaultProvider string
	CircuitBreaker  circuitbreaker.Config
	// BreakerOptions configure the breaker manager, e.g. circuitbreaker.WithRedis.
	BreakerOptions []circuitbreaker.ManagerOption
	// Cache is consulted for non-streaming calls when CacheTTL is positive.
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Router resolves model instances to providers and is the dispatch backend.
type Router struct {
	providers       map[string]Provider
	order           []string
	defaultProvider string
	breakers        *circuitbreaker.Manager
	cache           cache.Cache
	cacheTTL        time.Duration
	logger          *slog.Logger
}

func New(providers map[string]Provider, cfg Config) *Router {
	order := make([]string, 0, len(providers))
	for id := range providers {
		order = append(order, id)
	}
	sort.Strings(order)

	cbCfg := cfg.CircuitBreaker
	if cbCfg.FailureThreshold == 0 {
		cbCfg = circuitbreaker.DefaultConfig()
	}
	if cbCfg.OnStateChange == nil {
		cbCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(name, int(to))
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		providers:       providers,
		order:           order,
		defaultProvider: cfg.DefaultProvider,
		breakers:        circuitbreaker.NewManager(cbCfg, cfg.BreakerOptions...),
		cache:           cfg.Cache,
		cacheTTL:        cfg.CacheTTL,
		logger:          logger,
	}
}

// SelectProvider returns the hinted provider, else the default, else the
// first registered one by name.
func (r *Router) SelectProvider(hint string) (Provider, error) {
	if hint != "" {
		if p, ok := r.providers[hint]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, hint)
	}

	if p, ok := r.providers[r.defaultProvider]; ok {
		return p, nil
	}

	if len(r.order) > 0 {
		return r.providers[r.order[0]], nil
	}

	return nil, domain.ErrProviderNotFound
}

func (r *Router) CircuitBreakerStates() map[string]string {
	return r.breakers.States()
}

type skipCacheKey struct{}

// WithoutCache marks ctx so that Chat bypasses the response cache.
func WithoutCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipCacheKey{}, true)
}

func cacheBypassed(ctx context.Context) bool {
	skip, _ := ctx.Value(skipCacheKey{}).(bool)
	return skip
}

func (r *Router) Chat(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (*domain.Completion, error) {
	p, cb, err := r.resolve(ctx, inst)
	if err != nil {
		return nil, err
	}

	useCache := r.cache != nil && r.cacheTTL > 0 && !cacheBypassed(ctx)
	var key string
	if useCache {
		key = cache.Key(p.ID(), inst, conv)
		span := trace.SpanFromContext(ctx)
		if comp, ok := r.cache.Get(ctx, key); ok {
			metrics.RecordCacheHit(inst.Model)
			telemetry.AddCacheAttribute(span, true)
			return comp, nil
		}
		metrics.RecordCacheMiss(inst.Model)
		telemetry.AddCacheAttribute(span, false)
	}

	comp, err := p.Chat(ctx, inst.Model, conv, inst.Options)
	r.record(ctx, cb, err)
	if err != nil {
		return nil, &domain.BackendError{Provider: p.ID(), Model: inst.Model, Err: err}
	}
	if comp == nil {
		return nil, &domain.BackendError{Provider: p.ID(), Model: inst.Model, Err: errors.New("empty completion")}
	}

	if useCache {
		if err := r.cache.Set(ctx, key, comp, r.cacheTTL); err != nil {
			r.logger.Warn("failed to cache completion", "model", inst.Model, "error", err)
		}
	}

	return comp, nil
}

func (r *Router) ChatStream(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (<-chan domain.Fragment, <-chan error) {
	out := make(chan domain.Fragment)
	outErrs := make(chan error, 1)

	p, cb, err := r.resolve(ctx, inst)
	if err != nil {
		outErrs <- err
		close(outErrs)
		close(out)
		return out, outErrs
	}

	fragments, errs := p.ChatStream(ctx, inst.Model, conv, inst.Options)

	go func() {
		defer close(out)
		defer close(outErrs)

		var streamErr error
		if fragments != nil {
		forward:
			for frag := range fragments {
				select {
				case out <- frag:
				case <-ctx.Done():
					streamErr = ctx.Err()
					break forward
				}
			}
		}
		if streamErr == nil && errs != nil {
			streamErr = <-errs
		}

		r.record(ctx, cb, streamErr)
		if streamErr != nil {
			outErrs <- &domain.BackendError{Provider: p.ID(), Model: inst.Model, Err: streamErr}
		}
	}()

	return out, outErrs
}

func (r *Router) resolve(ctx context.Context, inst domain.ModelInstance) (Provider, circuitbreaker.CircuitBreaker, error) {
	p, err := r.SelectProvider(inst.Provider)
	if err != nil {
		name := inst.Provider
		if name == "" {
			name = r.defaultProvider
		}
		return nil, nil, &domain.BackendError{Provider: name, Model: inst.Model, Err: err}
	}

	cb := r.breakers.Get(p.ID())
	if err := cb.Allow(ctx); err != nil {
		return nil, nil, &domain.BackendError{Provider: p.ID(), Model: inst.Model, Err: err}
	}

	return p, cb, nil
}

// record feeds the breaker. Cancellation by the caller says nothing about
// provider health and is not counted. The write outlives ctx so a shared
// breaker still sees failures reported after a deadline.
func (r *Router) record(ctx context.Context, cb circuitbreaker.CircuitBreaker, err error) {
	bctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess(bctx)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
	default:
		cb.RecordFailure(bctx)
	}
}

// ListModels merges the model lists of all providers. It fails only when
// every provider fails.
func (r *Router) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	var (
		all     []domain.ModelInfo
		lastErr error
		ok      int
	)

	for _, id := range r.order {
		models, err := r.providers[id].Models(ctx)
		if err != nil {
			r.logger.Warn("failed to list models", "provider", id, "error", err)
			lastErr = err
			continue
		}
		ok++
		all = append(all, models...)
	}

	if ok == 0 && lastErr != nil {
		return nil, lastErr
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (r *Router) Pull(ctx context.Context, providerHint, model string, progress func(domain.PullProgress)) error {
	mm, err := r.manager(providerHint)
	if err != nil {
		return err
	}
	return mm.Pull(ctx, model, progress)
}

func (r *Router) Delete(ctx context.Context, providerHint, model string) error {
	mm, err := r.manager(providerHint)
	if err != nil {
		return err
	}
	return mm.Delete(ctx, model)
}

// CanManage reports whether the selected provider supports Pull and Delete.
func (r *Router) CanManage(providerHint string) error {
	_, err := r.manager(providerHint)
	return err
}

func (r *Router) manager(providerHint string) (ModelManager, error) {
	p, err := r.SelectProvider(providerHint)
	if err != nil {
		return nil, err
	}
	mm, ok := p.(ModelManager)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelManagementUnsupported, p.ID())
	}
	return mm, nil
}
