// Package openai speaks the OpenAI chat completions protocol, which is also
// served by llama.cpp, vLLM and LM Studio.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/httputil"
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	timeout time.Duration
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

func New(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httputil.DefaultClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) ID() string {
	return "openai"
}

func (p *Provider) Chat(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (*domain.Completion, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	resp, err := p.post(ctx, toChatRequest(model, conv, opts, false))
	if err != nil {
		return nil, p.requestError(ctx, err)
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}

	comp := &domain.Completion{Content: chatResp.Choices[0].Message.Content}
	if chatResp.Usage != nil {
		comp.EvalCount = chatResp.Usage.CompletionTokens
		comp.PromptEvalCount = chatResp.Usage.PromptTokens
	}
	return comp, nil
}

func (p *Provider) ChatStream(ctx context.Context, model string, conv domain.Conversation, opts domain.GenerationOptions) (<-chan domain.Fragment, <-chan error) {
	fragments := make(chan domain.Fragment)
	errs := make(chan error, 1)

	go func() {
		defer close(fragments)
		defer close(errs)

		ctx, cancel := p.withTimeout(ctx)
		defer cancel()

		resp, err := p.post(ctx, toChatRequest(model, conv, opts, true))
		if err != nil {
			errs <- p.requestError(ctx, err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			var frag domain.Fragment
			if len(chunk.Choices) > 0 {
				frag.Content = chunk.Choices[0].Delta.Content
			}
			if chunk.Usage != nil {
				frag.EvalCount = chunk.Usage.CompletionTokens
			}
			if frag.Content == "" && frag.EvalCount == 0 {
				continue
			}

			select {
			case fragments <- frag:
			case <-ctx.Done():
				errs <- p.requestError(ctx, ctx.Err())
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- p.requestError(ctx, fmt.Errorf("scan error: %w", err))
		}
	}()

	return fragments, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.ModelInfo, error) {
	resp, err := p.get(ctx, "/models")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var modelsResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	models := make([]domain.ModelInfo, len(modelsResp.Data))
	for i, m := range modelsResp.Data {
		models[i] = domain.ModelInfo{Name: m.ID, Provider: "openai"}
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	resp, err := p.get(ctx, "/models")
	if err != nil {
		return fmt.Errorf("openai unhealthy: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (p *Provider) post(ctx context.Context, req chatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return p.do(httpReq)
}

func (p *Provider) get(ctx context.Context, path string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return p.do(httpReq)
}

func (p *Provider) do(httpReq *http.Request) (*http.Response, error) {
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	return resp, nil
}

func (p *Provider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

func (p *Provider) requestError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("openai chat: %w", ctxErr)
	}
	return err
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Seed          *int           `json:"seed,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

// toChatRequest maps generation options onto their OpenAI names. top_k and
// repeat_penalty have no equivalent and are dropped.
func toChatRequest(model string, conv domain.Conversation, opts domain.GenerationOptions, stream bool) chatRequest {
	messages := make([]message, len(conv))
	for i, m := range conv {
		messages[i] = message{Role: string(m.Role), Content: m.Content}
	}

	req := chatRequest{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.NumPredict,
		Seed:        opts.Seed,
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return req
}
