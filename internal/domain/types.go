package domain

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation is an ordered message sequence. The last element is the newest turn.
type Conversation []Message

func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}

func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// ModelInstance is one dispatch target: a model plus its generation options.
// ID is unique within a single request only.
type ModelInstance struct {
	ID       string            `json:"id"`
	Model    string            `json:"model"`
	Provider string            `json:"provider,omitempty"`
	Options  GenerationOptions `json:"options"`
}

type DispatchRequest struct {
	Conversation Conversation
	Instances    []ModelInstance
	Streaming    bool
}

type Metrics struct {
	Tokens            int     `json:"tokens"`
	DurationSeconds   float64 `json:"duration_s"`
	FirstTokenSeconds float64 `json:"first_token_time"`
	TokensPerSecond   float64 `json:"tokens_per_sec"`
}

// InstanceResult is the settled outcome of one instance. Err is set on
// failure, in which case Content and Metrics are empty.
type InstanceResult struct {
	InstanceID string
	Model      string
	Content    string
	Metrics    *Metrics
	Err        error
}

func (r InstanceResult) Failed() bool {
	return r.Err != nil
}

type EventType string

const (
	EventToken   EventType = "token"
	EventMetrics EventType = "metrics"
	EventError   EventType = "error"
)

type StreamEvent struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Model      string    `json:"model"`
	Token      string    `json:"token,omitempty"`
	Metrics    *Metrics  `json:"metrics,omitempty"`
	Error      string    `json:"error,omitempty"`
	Done       bool      `json:"done"`
}

// Terminal reports whether no further events follow for the instance.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventMetrics || e.Type == EventError
}

func TokenEvent(inst ModelInstance, text string) StreamEvent {
	return StreamEvent{Type: EventToken, InstanceID: inst.ID, Model: inst.Model, Token: text}
}

func MetricsEvent(inst ModelInstance, m Metrics) StreamEvent {
	return StreamEvent{Type: EventMetrics, InstanceID: inst.ID, Model: inst.Model, Metrics: &m, Done: true}
}

func ErrorEvent(inst ModelInstance, err error) StreamEvent {
	return StreamEvent{Type: EventError, InstanceID: inst.ID, Model: inst.Model, Error: err.Error(), Done: true}
}

// Completion is the canonical result of a synchronous backend call.
// EvalCount is zero when the backend does not report usage.
type Completion struct {
	Content         string `json:"content"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

// Fragment is one piece of a streamed backend reply. The final fragment of
// a stream may carry only usage counters.
type Fragment struct {
	Content   string
	EvalCount int
}

type ModelInfo struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Size     int64  `json:"size,omitempty"`
}

type PullProgress struct {
	Status    string
	Completed int64
	Total     int64
}
