// Package circuitbreaker fails fast on backend providers that keep erroring,
// so that arena instances targeting a dead engine report errors immediately
// instead of waiting for a full request timeout each time.
//
// A breaker is closed in normal operation, opens after FailureThreshold
// consecutive failures, and half-opens once Timeout has elapsed to probe
// recovery. SuccessThreshold probe successes close it again.
//
// Breaker keeps state in process. RedisBreaker shares it between arena
// replicas that point at the same engines.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

// CircuitBreaker is satisfied by Breaker and RedisBreaker.
type CircuitBreaker interface {
	// Allow returns ErrCircuitBreakerOpen while calls should fail fast.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// OnStateChange, if set, is called after every transition this process
	// observes. Breaker calls it with its lock held.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker guards a single provider.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{name: name, config: cfg, now: time.Now}
}

func (b *Breaker) Name() string {
	return b.name
}

// Allow returns ErrCircuitBreakerOpen while the breaker is open.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.config.Timeout {
		b.successes = 0
		b.transition(StateHalfOpen)
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.transition(StateOpen)
	}
}

func (b *Breaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}

// Manager hands out one breaker per provider id.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(providerID string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithFactory replaces how the Manager builds a provider's breaker.
func WithFactory(newBreaker func(providerID string, cfg Config) CircuitBreaker) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) CircuitBreaker {
			return newBreaker(providerID, m.config)
		}
	}
}

// NewManager creates in-memory breakers unless an option swaps the factory.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
	}
	m.factory = func(providerID string) CircuitBreaker {
		return New(providerID, m.config)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(providerID string) CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[providerID]; ok {
		return b
	}
	b = m.factory(providerID)
	m.breakers[providerID] = b
	return b
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State(ctx).String()
	}
	return states
}
