package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// ClaudeClient implements ModelClient using the Anthropic Messages API.
type ClaudeClient struct {
	client   *anthropic.Client
	model    string
	sampling SamplingParams
}

// ClaudeOption configures the Claude client.
type ClaudeOption func(*claudeConfig)

type claudeConfig struct {
	model    string
	baseURL  string
	timeout  time.Duration
	sampling SamplingParams
}

// WithClaudeModel sets the model name.
func WithClaudeModel(model string) ClaudeOption {
	return func(c *claudeConfig) { c.model = model }
}

// WithClaudeBaseURL overrides the API endpoint.
func WithClaudeBaseURL(url string) ClaudeOption {
	return func(c *claudeConfig) { c.baseURL = url }
}

// WithClaudeTimeout bounds each HTTP attempt.
func WithClaudeTimeout(d time.Duration) ClaudeOption {
	return func(c *claudeConfig) { c.timeout = d }
}

// NewClaudeClient creates a new Anthropic Claude model client.
func NewClaudeClient(apiKey string, opts ...ClaudeOption) *ClaudeClient {
	cfg := claudeConfig{
		model:    "claude-sonnet-4-20250514",
		timeout:  60 * time.Second,
		sampling: DefaultSampling(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(1),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(cfg.timeout))
	}
	client := anthropic.NewClient(clientOpts...)
	return &ClaudeClient{client: &client, model: cfg.model, sampling: cfg.sampling}
}

// Model returns the configured model name.
func (c *ClaudeClient) Model() string { return c.model }

// Complete streams a message and returns the concatenated text deltas.
func (c *ClaudeClient) Complete(ctx context.Context, turns []model.Turn) (string, error) {
	system, msgs := toClaudeMessages(turns)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.sampling.MaxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(c.sampling.Temperature),
		TopK:        anthropic.Int(c.sampling.TopK),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				sb.WriteString(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("claude stream: %w", err)
	}
	return sb.String(), nil
}

// toClaudeMessages splits system turns out into the system prompt, which the
// Messages API takes separately.
func toClaudeMessages(turns []model.Turn) (string, []anthropic.MessageParam) {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			system = append(system, t.Content)
		case model.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	return strings.Join(system, "\n\n"), msgs
}
