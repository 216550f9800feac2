package engine

import (
	"context"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// ModelClient abstracts LLM calls. Implementations wrap OpenAI-compatible
// services (Together, OpenAI, Ollama), Claude, Gemini, or a stub.
type ModelClient interface {
	// Complete sends the chat turns and returns the full streamed completion.
	Complete(ctx context.Context, turns []model.Turn) (string, error)
	// Model names the model that produced completions.
	Model() string
}

// ContentExtractor turns a reference link into reference text. The returned
// Reference carries Link and Text only.
type ContentExtractor interface {
	Extract(ctx context.Context, link string) (model.Reference, error)
}

// SamplingParams are the decoding settings sent with every completion request.
type SamplingParams struct {
	MaxTokens         int64
	Temperature       float64
	TopP              float64
	TopK              int64
	RepetitionPenalty float64
	Stop              []string
}

// DefaultSampling returns the decoding settings used for crowd completions.
func DefaultSampling() SamplingParams {
	return SamplingParams{
		MaxTokens:         512,
		Temperature:       0.7,
		TopP:              0.7,
		TopK:              50,
		RepetitionPenalty: 1,
	}
}

// llamaStopTokens end a Llama 3.1 assistant turn.
var llamaStopTokens = []string{"<|eot_id|>", "<|eom_id|>"}
