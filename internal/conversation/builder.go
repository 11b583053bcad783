// Package conversation normalizes inbound chat requests into dispatch requests.
package conversation

import (
	"log/slog"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

const DefaultSystemPrompt = "You are a sharp teacher like Richard Feynman."

// Config holds the defaults applied while normalizing chat requests.
type Config struct {
	SystemPrompt string
	HistoryLimit int
	// DefaultModel is used when a request names no model at all. Empty rejects such requests.
	DefaultModel string
	// SeedZeroUnset drops a seed of exactly zero instead of forwarding it.
	SeedZeroUnset bool
	Logger        *slog.Logger
}

// DefaultConfig returns sensible defaults for a single-user arena.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:  DefaultSystemPrompt,
		HistoryLimit:  40,
		SeedZeroUnset: true,
	}
}

// Builder holds only static configuration and is safe for concurrent use.
type Builder struct {
	cfg    Config
	logger *slog.Logger
}

// NewBuilder creates a Builder, falling back to DefaultSystemPrompt when none is set.
func NewBuilder(cfg Config) *Builder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// Build turns an inbound request into a validated DispatchRequest. It fails
// with a ValidationError when no instance or no user turn remains.
func (b *Builder) Build(req domain.ChatRequest) (domain.DispatchRequest, error) {
	instances, err := b.instances(req)
	if err != nil {
		return domain.DispatchRequest{}, err
	}
	if len(instances) == 0 {
		return domain.DispatchRequest{}, domain.NewValidationError("no model instances requested")
	}

	conv := b.conversation(req)
	if len(conv) < 2 {
		return domain.DispatchRequest{}, domain.NewValidationError("conversation has no user turn")
	}

	return domain.DispatchRequest{
		Conversation: conv,
		Instances:    instances,
		Streaming:    req.Stream,
	}, nil
}

func (b *Builder) conversation(req domain.ChatRequest) domain.Conversation {
	var conv domain.Conversation
	if len(req.History) == 0 {
		system := req.System
		if system == "" {
			system = b.cfg.SystemPrompt
		}
		conv = domain.Conversation{{Role: domain.RoleSystem, Content: system}}
	} else {
		conv = domain.Conversation(req.History).Clone()
	}

	if req.Message != "" {
		turn := domain.Message{Role: domain.RoleUser, Content: req.Message}
		if last, ok := conv.Last(); !ok || last != turn {
			conv = append(conv, turn)
		}
	}

	if limit := b.cfg.HistoryLimit; limit > 0 && len(conv) > limit {
		b.logger.Warn("conversation truncated",
			"length", len(conv),
			"limit", limit,
		)
		conv = conv[len(conv)-limit:].Clone()
	}

	return conv
}

func (b *Builder) instances(req domain.ChatRequest) ([]domain.ModelInstance, error) {
	var out []domain.ModelInstance

	switch {
	case len(req.ModelInstances) > 0:
		out = make([]domain.ModelInstance, 0, len(req.ModelInstances))
		for i, spec := range req.ModelInstances {
			if spec.Model == "" {
				return nil, domain.NewValidationError("model_instances[%d]: model is required", i)
			}
			id := spec.ID
			if id == "" {
				id = spec.Model
			}
			opts := spec.Options()
			if b.cfg.SeedZeroUnset && opts.Seed != nil && *opts.Seed == 0 {
				opts.Seed = nil
			}
			out = append(out, domain.ModelInstance{
				ID:       id,
				Model:    spec.Model,
				Provider: spec.Provider,
				Options:  opts,
			})
		}
	case len(req.Models) > 0:
		out = make([]domain.ModelInstance, 0, len(req.Models))
		for _, m := range req.Models {
			if m == "" {
				continue
			}
			out = append(out, domain.ModelInstance{ID: m, Model: m})
		}
	case req.Model != "":
		out = []domain.ModelInstance{{ID: req.Model, Model: req.Model}}
	case b.cfg.DefaultModel != "":
		out = []domain.ModelInstance{{ID: b.cfg.DefaultModel, Model: b.cfg.DefaultModel}}
	}

	seen := make(map[string]struct{}, len(out))
	for _, inst := range out {
		if _, dup := seen[inst.ID]; dup {
			return nil, domain.NewValidationError("duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}

	return out, nil
}
