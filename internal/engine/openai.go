package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/yangwenmai/crowdrank/internal/model"
)

const (
	// TogetherBaseURL is Together's OpenAI-compatible endpoint.
	TogetherBaseURL = "https://api.together.xyz/v1"
	// TogetherModel is the default model served through Together.
	TogetherModel = "meta-llama/Meta-Llama-3.1-405B-Instruct-Turbo"
)

// OpenAIClient implements ModelClient with streaming Chat Completions.
// It works with any OpenAI-compatible service by setting a custom base URL.
type OpenAIClient struct {
	client     *openai.Client
	apiKey     string
	baseURL    string
	model      string
	sampling   SamplingParams
	extras     bool
	timeout    time.Duration
	maxRetries int
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithModel sets the model name (default: gpt-4o-mini).
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) { c.model = model }
}

// WithBaseURL overrides the API endpoint (default: https://api.openai.com/v1).
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithSampling overrides the decoding settings.
func WithSampling(p SamplingParams) OpenAIOption {
	return func(c *OpenAIClient) { c.sampling = p }
}

// WithSamplingExtras sends top_k and repetition_penalty, which Together
// accepts but OpenAI rejects.
func WithSamplingExtras() OpenAIOption {
	return func(c *OpenAIClient) { c.extras = true }
}

// WithRequestTimeout bounds each HTTP attempt.
func WithRequestTimeout(d time.Duration) OpenAIOption {
	return func(c *OpenAIClient) { c.timeout = d }
}

// WithMaxRetries sets how often a 429 or 5xx is retried (default: 1).
func WithMaxRetries(n int) OpenAIOption {
	return func(c *OpenAIClient) { c.maxRetries = n }
}

// NewOpenAIClient creates a new OpenAI model client.
func NewOpenAIClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      "gpt-4o-mini",
		sampling:   DefaultSampling(),
		timeout:    60 * time.Second,
		maxRetries: 1,
	}
	for _, opt := range opts {
		opt(c)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL + "/"),
		option.WithMaxRetries(c.maxRetries),
	}
	if c.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(c.timeout))
	}
	client := openai.NewClient(clientOpts...)
	c.client = &client
	return c
}

// NewTogetherClient creates a client for Together's hosted Llama models.
func NewTogetherClient(apiKey string, opts ...OpenAIOption) *OpenAIClient {
	sampling := DefaultSampling()
	sampling.Stop = llamaStopTokens
	base := []OpenAIOption{
		WithBaseURL(TogetherBaseURL),
		WithModel(TogetherModel),
		WithSampling(sampling),
		WithSamplingExtras(),
	}
	return NewOpenAIClient(apiKey, append(base, opts...)...)
}

// NewOllamaClient creates a client for a local Ollama server through its
// OpenAI-compatible endpoint.
func NewOllamaClient(baseURL, model string, opts ...OpenAIOption) *OpenAIClient {
	base := []OpenAIOption{
		WithBaseURL(strings.TrimRight(baseURL, "/") + "/v1"),
		WithModel(model),
		WithSamplingExtras(),
	}
	return NewOpenAIClient("ollama", append(base, opts...)...)
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

// Complete streams a chat completion and returns the concatenated deltas.
func (c *OpenAIClient) Complete(ctx context.Context, turns []model.Turn) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toOpenAIMessages(turns),
		MaxTokens:   openai.Int(c.sampling.MaxTokens),
		Temperature: openai.Float(c.sampling.Temperature),
		TopP:        openai.Float(c.sampling.TopP),
	}

	var reqOpts []option.RequestOption
	if len(c.sampling.Stop) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("stop", c.sampling.Stop))
	}
	if c.extras {
		reqOpts = append(reqOpts,
			option.WithJSONSet("top_k", c.sampling.TopK),
			option.WithJSONSet("repetition_penalty", c.sampling.RepetitionPenalty),
		)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	return sb.String(), nil
}

func toOpenAIMessages(turns []model.Turn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}
