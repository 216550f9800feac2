package engine

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// GeminiClient implements ModelClient using the Google Gemini API.
type GeminiClient struct {
	client   *genai.Client
	model    string
	sampling SamplingParams
}

// GeminiOption configures the Gemini client.
type GeminiOption func(*GeminiClient)

// WithGeminiModel sets the model name.
func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiClient) { c.model = model }
}

// NewGeminiClient creates a new Gemini model client.
func NewGeminiClient(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	c := &GeminiClient{
		client:   client,
		model:    "gemini-2.0-flash",
		sampling: DefaultSampling(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string { return c.model }

// Complete streams generated content and returns the concatenated text.
func (c *GeminiClient) Complete(ctx context.Context, turns []model.Turn) (string, error) {
	system, contents := toGeminiContents(turns)
	cfg := geminiConfig(c.sampling)
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	var sb strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
		if err != nil {
			return "", fmt.Errorf("gemini stream: %w", err)
		}
		sb.WriteString(resp.Text())
	}
	return sb.String(), nil
}

func geminiConfig(p SamplingParams) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		MaxOutputTokens: int32(p.MaxTokens),
		Temperature:     genai.Ptr(float32(p.Temperature)),
		TopP:            genai.Ptr(float32(p.TopP)),
		TopK:            genai.Ptr(float32(p.TopK)),
		StopSequences:   p.Stop,
	}
}

// toGeminiContents maps assistant turns to the "model" role and folds system
// turns into the system instruction.
func toGeminiContents(turns []model.Turn) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case model.RoleSystem:
			system = append(system, t.Content)
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}
