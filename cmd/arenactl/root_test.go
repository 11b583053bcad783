package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sammy995/Local-LLM-Arena/internal/auth"
	"github.com/sammy995/Local-LLM-Arena/internal/config"
	"github.com/sammy995/Local-LLM-Arena/internal/domain"
)

type MockBackend struct {
	ChatFunc       func(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (*domain.Completion, error)
	ChatStreamFunc func(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (<-chan domain.Fragment, <-chan error)
}

func (m *MockBackend) Chat(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (*domain.Completion, error) {
	return m.ChatFunc(ctx, inst, conv)
}

func (m *MockBackend) ChatStream(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (<-chan domain.Fragment, <-chan error) {
	return m.ChatStreamFunc(ctx, inst, conv)
}

type MockModelService struct {
	ListModelsFunc func(ctx context.Context) ([]domain.ModelInfo, error)
	PullFunc       func(ctx context.Context, provider, model string, progress func(domain.PullProgress)) error
	DeleteFunc     func(ctx context.Context, provider, model string) error
}

func (m *MockModelService) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	return m.ListModelsFunc(ctx)
}

func (m *MockModelService) CanManage(string) error { return nil }

func (m *MockModelService) Pull(ctx context.Context, provider, model string, progress func(domain.PullProgress)) error {
	return m.PullFunc(ctx, provider, model, progress)
}

func (m *MockModelService) Delete(ctx context.Context, provider, model string) error {
	return m.DeleteFunc(ctx, provider, model)
}

func testConfig() *config.Config {
	return &config.Config{
		SystemPrompt:          "be brief",
		HistoryLimit:          10,
		MaxConcurrentRequests: 2,
		StreamBuffer:          8,
		SeedZeroUnset:         true,
	}
}

func run(t *testing.T, svc *services, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(func() (*services, error) { return svc, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAsk_Join(t *testing.T) {
	backend := &MockBackend{
		ChatFunc: func(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (*domain.Completion, error) {
			if last, _ := conv.Last(); last.Content != "why is the sky blue" {
				t.Errorf("last turn = %q", last.Content)
			}
			if inst.Model == "broken" {
				return nil, errors.New("model not loaded")
			}
			return &domain.Completion{Content: "reply from " + inst.Model, EvalCount: 3}, nil
		},
	}
	svc := &services{cfg: testConfig(), backend: backend}

	out, err := run(t, svc, "ask", "-m", "gemma3:1b", "-m", "broken", "why", "is", "the", "sky", "blue")
	if err != nil {
		t.Fatalf("ask error = %v", err)
	}

	var got map[string]askResult
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got["gemma3:1b"].Assistant != "reply from gemma3:1b" || got["gemma3:1b"].Metrics.Tokens != 3 {
		t.Errorf("gemma3:1b = %+v", got["gemma3:1b"])
	}
	if got["broken"].Error == "" || got["broken"].Assistant != "" {
		t.Errorf("broken = %+v", got["broken"])
	}
}

func TestAsk_Stream(t *testing.T) {
	backend := &MockBackend{
		ChatStreamFunc: func(ctx context.Context, inst domain.ModelInstance, conv domain.Conversation) (<-chan domain.Fragment, <-chan error) {
			frags := make(chan domain.Fragment, 2)
			errs := make(chan error, 1)
			frags <- domain.Fragment{Content: "hi"}
			frags <- domain.Fragment{Content: " there"}
			close(frags)
			close(errs)
			return frags, errs
		},
	}
	svc := &services{cfg: testConfig(), backend: backend}

	out, err := run(t, svc, "ask", "--stream", "-m", "a", "-m", "b", "hello")
	if err != nil {
		t.Fatalf("ask --stream error = %v", err)
	}

	counts := map[domain.EventType]int{}
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var ev domain.StreamEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		counts[ev.Type]++
	}
	if counts[domain.EventToken] != 4 || counts[domain.EventMetrics] != 2 {
		t.Errorf("event counts = %v", counts)
	}
}

func TestAsk_Validation(t *testing.T) {
	svc := &services{cfg: testConfig(), backend: &MockBackend{}}

	_, err := run(t, svc, "ask", "hello")
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("error = %v, want invalid request", err)
	}
}

func TestModels_List(t *testing.T) {
	svc := &services{cfg: testConfig(), models: &MockModelService{
		ListModelsFunc: func(ctx context.Context) ([]domain.ModelInfo, error) {
			return []domain.ModelInfo{
				{Name: "gemma3:1b", Provider: "ollama", Size: 815 * 1024 * 1024},
				{Name: "qwen2.5", Provider: "openai"},
			}, nil
		},
	}}

	out, err := run(t, svc, "models", "list")
	if err != nil {
		t.Fatalf("models list error = %v", err)
	}
	for _, want := range []string{"NAME", "gemma3:1b", "815.0 MB", "qwen2.5"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestModels_PullAndRemove(t *testing.T) {
	var pulled, removed, provider string
	svc := &services{cfg: testConfig(), models: &MockModelService{
		PullFunc: func(ctx context.Context, p, model string, progress func(domain.PullProgress)) error {
			provider, pulled = p, model
			progress(domain.PullProgress{Status: "pulling manifest"})
			progress(domain.PullProgress{Status: "downloading", Completed: 5, Total: 10})
			return nil
		},
		DeleteFunc: func(ctx context.Context, p, model string) error {
			removed = model
			return nil
		},
	}}

	out, err := run(t, svc, "models", "pull", "--provider", "ollama", "gemma3:1b")
	if err != nil {
		t.Fatalf("models pull error = %v", err)
	}
	if pulled != "gemma3:1b" || provider != "ollama" {
		t.Errorf("pulled %q from %q", pulled, provider)
	}
	if !strings.Contains(out, "downloading 50%") || !strings.Contains(out, "pulled gemma3:1b") {
		t.Errorf("pull output:\n%s", out)
	}

	if _, err := run(t, svc, "models", "rm", "gemma3:1b"); err != nil {
		t.Fatalf("models rm error = %v", err)
	}
	if removed != "gemma3:1b" {
		t.Errorf("removed = %q", removed)
	}
}

func TestHashToken(t *testing.T) {
	root := newRootCmd(func() (*services, error) {
		t.Fatal("hash-token should not load services")
		return nil, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"hash-token", "s3cret"})
	if err := root.Execute(); err != nil {
		t.Fatalf("hash-token error = %v", err)
	}

	a := auth.NewAuthenticator("", strings.TrimSpace(out.String()))
	if err := a.Verify("s3cret"); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "-"},
		{512, "512 B"},
		{2048, "2.0 KB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
