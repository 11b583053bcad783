package domain

// ChatRequest is the inbound arena request. ModelInstances takes precedence
// over Models, which takes precedence over Model.
type ChatRequest struct {
	History        []Message      `json:"history,omitempty"`
	Message        string         `json:"message,omitempty"`
	System         string         `json:"system,omitempty"`
	ModelInstances []InstanceSpec `json:"model_instances,omitempty"`
	Models         []string       `json:"models,omitempty"`
	Model          string         `json:"model,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
}

type InstanceSpec struct {
	ID            string   `json:"id,omitempty"`
	Model         string   `json:"model"`
	Provider      string   `json:"provider,omitempty"`
	Temperature   *Number  `json:"temperature,omitempty"`
	TopP          *Number  `json:"top_p,omitempty"`
	TopK          *Integer `json:"top_k,omitempty"`
	RepeatPenalty *Number  `json:"repeat_penalty,omitempty"`
	NumPredict    *Integer `json:"num_predict,omitempty"`
	Seed          *Integer `json:"seed,omitempty"`
}

func (s InstanceSpec) Options() GenerationOptions {
	return GenerationOptions{
		Temperature:   s.Temperature.Float(),
		TopP:          s.TopP.Float(),
		TopK:          s.TopK.Int(),
		RepeatPenalty: s.RepeatPenalty.Float(),
		NumPredict:    s.NumPredict.Int(),
		Seed:          s.Seed.Int(),
	}
}
