package engine

import (
	"context"
	"strings"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// StubExtractor returns a fixed reference without touching the network.
type StubExtractor struct{}

func (e *StubExtractor) Extract(_ context.Context, link string) (model.Reference, error) {
	return model.Reference{Link: link, Text: "This is a stub reference extracted from " + link + "."}, nil
}

// StubModelClient returns canned completions (for development/testing).
type StubModelClient struct{}

func (m *StubModelClient) Model() string { return "stub" }

// Complete echoes the last user turn and names the style instruction, if any,
// so that each postfix yields a distinct completion.
func (m *StubModelClient) Complete(_ context.Context, turns []model.Turn) (string, error) {
	var question, style string
	for _, t := range turns {
		switch t.Role {
		case model.RoleUser:
			question = t.Content
		case model.RoleSystem:
			style = t.Content
		}
	}
	if i := strings.Index(question, "\n\nReferences:"); i >= 0 {
		question = question[:i]
	}
	answer := "[stub] A response to: " + question
	if style != "" {
		answer += " (" + strings.TrimPrefix(style, "Respond in the same language as the input above, but ") + ")"
	}
	return answer, nil
}
