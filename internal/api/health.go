package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sammy995/Local-LLM-Arena/internal/router"
)

type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// BackendHealthChecker is implemented by checks on model engines. Engines
// are interchangeable for readiness: the arena stays ready while any passes.
type BackendHealthChecker interface {
	HealthChecker
	Backend() bool
}

const (
	statusReady    = "ready"
	statusDegraded = "degraded"
	statusNotReady = "not_ready"
)

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
	backend  bool
}

type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ProviderHealthChecker checks that a backend engine answers.
type ProviderHealthChecker struct {
	provider router.Provider
}

func NewProviderHealthChecker(p router.Provider) *ProviderHealthChecker {
	return &ProviderHealthChecker{provider: p}
}

func (c *ProviderHealthChecker) Name() string {
	return "provider:" + c.provider.ID()
}

func (c *ProviderHealthChecker) Check(ctx context.Context) error {
	return c.provider.HealthCheck(ctx)
}

func (c *ProviderHealthChecker) Backend() bool {
	return true
}

func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := checker.Check(ctx)

			result := CheckResult{Status: "ok", Duration: time.Since(start).String()}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}
			if b, ok := checker.(BackendHealthChecker); ok {
				result.backend = b.Backend()
			}

			mu.Lock()
			results[checker.Name()] = result
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

// readiness fails on any infrastructure check, or when every backend fails.
// Some failing backends only degrade it.
func readiness(results map[string]CheckResult) string {
	var backends, backendsUp int
	for _, r := range results {
		if r.backend {
			backends++
			if r.Status == "ok" {
				backendsUp++
			}
			continue
		}
		if r.Status != "ok" {
			return statusNotReady
		}
	}

	switch {
	case backends > 0 && backendsUp == 0:
		return statusNotReady
	case backendsUp < backends:
		return statusDegraded
	default:
		return statusReady
	}
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)
		status := HealthStatus{
			Status:  readiness(results),
			Checks:  results,
			Version: Version,
		}

		code := http.StatusOK
		if status.Status == statusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}
}
