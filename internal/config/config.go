package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Bind     string
	Port     int
	LogLevel string

	OllamaHost      string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	DefaultProvider string

	DefaultModel  string
	DefaultModels []string
	SystemPrompt  string

	HistoryLimit          int
	RequestTimeout        time.Duration
	MaxConcurrentRequests int
	StreamBuffer          int
	SeedZeroUnset         bool

	ChatToken     string
	ChatTokenHash string
	RateLimitRPM  int
	CORSOrigins   []string

	RedisURL           string
	CacheTTL           time.Duration
	CBFailureThreshold int
	CBTimeout          time.Duration
	OTLPEndpoint       string
	OTLPSampleRatio    float64

	StaticDir       string
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
	PullTimeout     time.Duration
}

// Load reads the environment, after merging a .env file from the working
// directory if one exists. Variables already set take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Bind:     getEnv("WEB_BIND", "127.0.0.1"),
		Port:     getIntEnv("WEB_PORT", 7860),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultProvider: getEnv("DEFAULT_PROVIDER", "ollama"),

		DefaultModel:  getEnv("DEFAULT_MODEL", ""),
		DefaultModels: getListEnv("DEFAULT_MODELS", []string{"ministral-3:3b", "gemma3:1b"}),
		SystemPrompt:  getEnv("SYSTEM_PROMPT", "You are a sharp teacher like Richard Feynman."),

		HistoryLimit:          getIntEnv("HISTORY_LIMIT", 40),
		RequestTimeout:        getDurationEnv("REQUEST_TIMEOUT", 90*time.Second),
		MaxConcurrentRequests: getIntEnv("MAX_CONCURRENT_REQUESTS", 5),
		StreamBuffer:          getIntEnv("STREAM_BUFFER", 64),
		SeedZeroUnset:         getBoolEnv("SEED_ZERO_UNSET", true),

		ChatToken:     getEnv("WEB_CHAT_TOKEN", ""),
		ChatTokenHash: getEnv("WEB_CHAT_TOKEN_HASH", ""),
		RateLimitRPM:  getIntEnv("RATE_LIMIT_RPM", 0),
		CORSOrigins:   getListEnv("CORS_ORIGINS", nil),

		RedisURL:           getEnv("REDIS_URL", ""),
		CacheTTL:           getDurationEnv("CACHE_TTL", 0),
		CBFailureThreshold: getIntEnv("CB_FAILURE_THRESHOLD", 5),
		CBTimeout:          getDurationEnv("CB_TIMEOUT", 30*time.Second),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		OTLPSampleRatio:    getFloatEnv("OTLP_SAMPLE_RATIO", 1),

		StaticDir:       getEnv("STATIC_DIR", "static"),
		MaxBodyBytes:    int64(getIntEnv("MAX_BODY_BYTES", 10<<20)),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		PullTimeout:     getDurationEnv("PULL_TIMEOUT", time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("WEB_PORT %d out of range", c.Port))
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be at least 1"))
	}
	if c.RequestTimeout < time.Second {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be at least 1 second"))
	}
	if c.MaxConcurrentRequests < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_REQUESTS must be at least 1"))
	}
	if c.StreamBuffer < 1 {
		errs = append(errs, errors.New("STREAM_BUFFER must be at least 1"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must not be negative"))
	}
	if c.OTLPSampleRatio < 0 || c.OTLPSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTLP_SAMPLE_RATIO %v must be between 0 and 1", c.OTLPSampleRatio))
	}
	if c.OllamaHost == "" && c.OpenAIBaseURL == "" {
		errs = append(errs, errors.New("no backend configured: set OLLAMA_HOST or OPENAI_BASE_URL"))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts whole seconds or a Go duration string.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
