package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"WEB_BIND", "WEB_PORT", "LOG_LEVEL", "OLLAMA_HOST", "OPENAI_BASE_URL",
	"OPENAI_API_KEY", "DEFAULT_PROVIDER", "DEFAULT_MODEL", "DEFAULT_MODELS",
	"SYSTEM_PROMPT", "HISTORY_LIMIT", "REQUEST_TIMEOUT", "MAX_CONCURRENT_REQUESTS",
	"STREAM_BUFFER", "SEED_ZERO_UNSET", "WEB_CHAT_TOKEN", "WEB_CHAT_TOKEN_HASH",
	"RATE_LIMIT_RPM", "CORS_ORIGINS", "REDIS_URL", "CACHE_TTL",
	"CB_FAILURE_THRESHOLD", "CB_TIMEOUT", "OTLP_ENDPOINT", "STATIC_DIR",
	"MAX_BODY_BYTES", "SHUTDOWN_TIMEOUT", "PULL_TIMEOUT", "OTLP_SAMPLE_RATIO",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		t.Setenv(v, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      any
		expected any
	}{
		{"Addr", cfg.Addr(), "127.0.0.1:7860"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"OllamaHost", cfg.OllamaHost, "http://localhost:11434"},
		{"DefaultProvider", cfg.DefaultProvider, "ollama"},
		{"DefaultModel", cfg.DefaultModel, ""},
		{"DefaultModels", cfg.DefaultModels, []string{"ministral-3:3b", "gemma3:1b"}},
		{"SystemPrompt", cfg.SystemPrompt, "You are a sharp teacher like Richard Feynman."},
		{"HistoryLimit", cfg.HistoryLimit, 40},
		{"RequestTimeout", cfg.RequestTimeout, 90 * time.Second},
		{"MaxConcurrentRequests", cfg.MaxConcurrentRequests, 5},
		{"StreamBuffer", cfg.StreamBuffer, 64},
		{"SeedZeroUnset", cfg.SeedZeroUnset, true},
		{"RateLimitRPM", cfg.RateLimitRPM, 0},
		{"CacheTTL", cfg.CacheTTL, time.Duration(0)},
		{"CBFailureThreshold", cfg.CBFailureThreshold, 5},
		{"CBTimeout", cfg.CBTimeout, 30 * time.Second},
		{"StaticDir", cfg.StaticDir, "static"},
		{"MaxBodyBytes", cfg.MaxBodyBytes, int64(10 << 20)},
		{"ShutdownTimeout", cfg.ShutdownTimeout, 30 * time.Second},
		{"PullTimeout", cfg.PullTimeout, time.Hour},
		{"OTLPSampleRatio", cfg.OTLPSampleRatio, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.expected) {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.CORSOrigins != nil {
		t.Errorf("CORSOrigins = %v, want nil", cfg.CORSOrigins)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEB_BIND", "0.0.0.0")
	t.Setenv("WEB_PORT", "9000")
	t.Setenv("DEFAULT_MODELS", "llama3.2, qwen2.5 ,")
	t.Setenv("REQUEST_TIMEOUT", "2m")
	t.Setenv("CACHE_TTL", "300")
	t.Setenv("SEED_ZERO_UNSET", "false")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000,https://arena.example")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if !reflect.DeepEqual(cfg.DefaultModels, []string{"llama3.2", "qwen2.5"}) {
		t.Errorf("DefaultModels = %v", cfg.DefaultModels)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.SeedZeroUnset {
		t.Error("SeedZeroUnset should be false")
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.MaxConcurrentRequests != 2 {
		t.Errorf("MaxConcurrentRequests = %d", cfg.MaxConcurrentRequests)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("WEB_PORT", "not-a-number")
	t.Setenv("SEED_ZERO_UNSET", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7860 || !cfg.SeedZeroUnset {
		t.Errorf("Port = %d SeedZeroUnset = %v, want defaults", cfg.Port, cfg.SeedZeroUnset)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"port too high", "WEB_PORT", "70000", "WEB_PORT"},
		{"zero history", "HISTORY_LIMIT", "0", "HISTORY_LIMIT"},
		{"zero timeout", "REQUEST_TIMEOUT", "0", "REQUEST_TIMEOUT"},
		{"zero concurrency", "MAX_CONCURRENT_REQUESTS", "0", "MAX_CONCURRENT_REQUESTS"},
		{"negative buffer", "STREAM_BUFFER", "-1", "STREAM_BUFFER"},
		{"negative rpm", "RATE_LIMIT_RPM", "-5", "RATE_LIMIT_RPM"},
		{"sample ratio above one", "OTLP_SAMPLE_RATIO", "1.5", "OTLP_SAMPLE_RATIO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
