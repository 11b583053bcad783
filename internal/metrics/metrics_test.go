package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()

	RecordRequest("stream", "success")
	RecordRequest("stream", "success")

	count := testutil.ToFloat64(RequestsTotal.WithLabelValues("stream", "success"))
	if count != 2 {
		t.Errorf("RequestsTotal = %v, want 2", count)
	}
}

func TestRecordInstance(t *testing.T) {
	InstancesTotal.Reset()
	InstanceDuration.Reset()

	RecordInstance("ollama", "gemma3:1b", "success", 1.5)
	RecordInstance("ollama", "gemma3:1b", "error", 0.2)

	if got := testutil.ToFloat64(InstancesTotal.WithLabelValues("ollama", "gemma3:1b", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(InstancesTotal.WithLabelValues("ollama", "gemma3:1b", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(InstanceDuration); got != 1 {
		t.Errorf("InstanceDuration series = %d, want 1", got)
	}
}

func TestRecordTokens(t *testing.T) {
	TokensTotal.Reset()

	RecordTokens("ollama", "m", 100)
	RecordTokens("ollama", "m", 50)

	if got := testutil.ToFloat64(TokensTotal.WithLabelValues("ollama", "m")); got != 150 {
		t.Errorf("TokensTotal = %v, want 150", got)
	}
}

func TestRecordFirstToken(t *testing.T) {
	FirstTokenLatency.Reset()

	RecordFirstToken("ollama", "m", 0.3)

	if got := testutil.CollectAndCount(FirstTokenLatency); got != 1 {
		t.Errorf("FirstTokenLatency series = %d, want 1", got)
	}
}

func TestRecordCache(t *testing.T) {
	CacheHits.Reset()
	CacheMisses.Reset()

	RecordCacheHit("m")
	RecordCacheHit("m")
	RecordCacheMiss("m")

	if got := testutil.ToFloat64(CacheHits.WithLabelValues("m")); got != 2 {
		t.Errorf("CacheHits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(CacheMisses.WithLabelValues("m")); got != 1 {
		t.Errorf("CacheMisses = %v, want 1", got)
	}
}

func TestRecordProviderError(t *testing.T) {
	ProviderErrors.Reset()

	RecordProviderError("ollama", "timeout")
	RecordProviderError("ollama", "backend")
	RecordProviderError("ollama", "timeout")

	if got := testutil.ToFloat64(ProviderErrors.WithLabelValues("ollama", "timeout")); got != 2 {
		t.Errorf("timeout errors = %v, want 2", got)
	}
}

func TestRecordRateLimitHit(t *testing.T) {
	RateLimitHits.Reset()

	RecordRateLimitHit("127.0.0.1")

	if got := testutil.ToFloat64(RateLimitHits.WithLabelValues("127.0.0.1")); got != 1 {
		t.Errorf("RateLimitHits = %v, want 1", got)
	}
}

func TestSetCircuitBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()

	SetCircuitBreakerState("ollama", 1)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ollama")); got != 1 {
		t.Errorf("state = %v, want 1", got)
	}

	SetCircuitBreakerState("ollama", 0)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("ollama")); got != 0 {
		t.Errorf("state = %v, want 0", got)
	}
}

func TestGauges(t *testing.T) {
	InstancesInFlight.Set(0)
	InstancesInFlight.Inc()
	InstancesInFlight.Inc()
	InstancesInFlight.Dec()

	if got := testutil.ToFloat64(InstancesInFlight); got != 1 {
		t.Errorf("InstancesInFlight = %v, want 1", got)
	}
}

func TestRecordBackendHTTP(t *testing.T) {
	BackendHTTPRequests.Reset()
	BackendHTTPHeaderLatency.Reset()

	RecordBackendHTTP("localhost:11434", "200", 0.02)
	RecordBackendHTTP("localhost:11434", "error", 0.5)

	if got := testutil.ToFloat64(BackendHTTPRequests.WithLabelValues("localhost:11434", "200")); got != 1 {
		t.Errorf("200 count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(BackendHTTPHeaderLatency); got != 1 {
		t.Errorf("header latency series = %d, want 1", got)
	}
}
