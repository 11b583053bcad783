// Package httputil builds the pooled HTTP client shared by backend providers.
package httputil

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/sammy995/Local-LLM-Arena/internal/metrics"
)

// ClientConfig tunes connection handling for engine backends. There is no
// overall client timeout because streamed replies are read for as long as
// the model generates; per-call deadlines come from the request context.
type ClientConfig struct {
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	IdleConnTimeout     time.Duration
	// MaxConnsPerHost caps concurrent connections to one engine. Zero is unlimited.
	MaxConnsPerHost     int
	MaxIdleConnsPerHost int
}

// DefaultConfig keeps enough idle connections for a full arena fan-out to a
// single local engine.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:         5 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}

	return &http.Client{Transport: &instrumentedTransport{base: transport}}
}

func DefaultClient() *http.Client {
	return NewClient(DefaultConfig())
}

// instrumentedTransport forwards the caller's trace context to the engine
// and records per-host request counts and header latency.
type instrumentedTransport struct {
	base http.RoundTripper
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	otel.GetTextMapPropagator().Inject(out.Context(), propagation.HeaderCarrier(out.Header))

	start := time.Now()
	resp, err := t.base.RoundTrip(out)

	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	metrics.RecordBackendHTTP(req.URL.Host, code, time.Since(start).Seconds())

	return resp, err
}
