// Package ollama talks to a local Ollama engine through its official Go client.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/httputil"
)

const DefaultHost = "http://localhost:11434"

type Provider struct {
	client     *api.Client
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Provider)

// WithHTTPClient replaces the pooled client from httputil.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithTimeout bounds every chat call, streaming included. Zero means no bound
// beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

func New(host string, opts ...Option) (*Provider, error) {
	if host == "" {
		host = DefaultHost
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", host)
	}

	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = httputil.DefaultClient()
	}
	p.client = api.NewClient(base, p.httpClient)
	return p, nil
}

func (p *Provider) ID() string {
	return "ollama"
}

func (p *Provider) Chat(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (*domain.Completion, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	req := toChatRequest(model, conv, opts, false)

	var comp domain.Completion
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		comp.Content += resp.Message.Content
		if resp.Done {
			comp.EvalCount = resp.Metrics.EvalCount
			comp.PromptEvalCount = resp.Metrics.PromptEvalCount
		}
		return nil
	})
	if err != nil {
		return nil, p.chatError(ctx, err)
	}

	return &comp, nil
}

func (p *Provider) ChatStream(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (<-chan domain.Fragment, <-chan error) {
	fragments := make(chan domain.Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		ctx, cancel := p.withTimeout(ctx)
		defer cancel()

		req := toChatRequest(model, conv, opts, true)

		err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			frag := domain.Fragment{Content: resp.Message.Content}
			if resp.Done {
				frag.EvalCount = resp.Metrics.EvalCount
			}
			if frag.Content == "" && frag.EvalCount == 0 {
				return nil
			}

			select {
			case fragments <- frag:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- p.chatError(ctx, err)
		}
	}()

	return fragments, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	resp, err := p.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	models := make([]domain.ModelInfo, len(resp.Models))
	for i, m := range resp.Models {
		models[i] = domain.ModelInfo{
			Name:     m.Name,
			Provider: "ollama",
			Size:     m.Size,
		}
	}

	return models, nil
}

func (p *Provider) Pull(ctx context.Context, model string, progress func(domain.PullProgress)) error {
	req := &api.PullRequest{Model: model}

	err := p.client.Pull(ctx, req, func(resp api.ProgressResponse) error {
		if progress != nil {
			progress(domain.PullProgress{
				Status:    resp.Status,
				Completed: resp.Completed,
				Total:     resp.Total,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pull %s: %w", model, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, model string) error {
	if err := p.client.Delete(ctx, &api.DeleteRequest{Model: model}); err != nil {
		return fmt.Errorf("delete %s: %w", model, err)
	}
	return nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama unhealthy: %w", err)
	}
	return nil
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// chatError prefers the context error so that deadline expiry is reported
// as a timeout rather than as a transport failure.
func (p *Provider) chatError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("ollama chat: %w", ctxErr)
	}
	return fmt.Errorf("ollama chat: %w", err)
}

func toChatRequest(model string, conv domain.Conversation, opts domain.GenerationOptions, stream bool) *api.ChatRequest {
	messages := make([]api.Message, len(conv))
	for i, m := range conv {
		messages[i] = api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	return &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  opts.Map(),
	}
}
