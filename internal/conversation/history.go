// Package conversation derives linear views of the prompt tree: the turn
// history sent to a model, the last human message of a branch, and the
// per-conversation status shown to contributors.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// PromptReader is the read access the conversation views need.
type PromptReader interface {
	GetPrompt(ctx context.Context, id string) (*model.Prompt, error)
	ListChildren(ctx context.Context, parentID string, f store.ChildFilter) ([]model.Prompt, error)
}

// Path returns the prompts from the root down to id. Traversal stops at a
// missing ancestor or at a repeated id, so it always terminates.
func Path(ctx context.Context, r PromptReader, id string) ([]model.Prompt, error) {
	var chain []model.Prompt
	seen := make(map[string]bool)
	cur := id
	for {
		if seen[cur] {
			slog.Warn("cycle in prompt ancestry", "prompt_id", id, "repeated_id", cur)
			break
		}
		seen[cur] = true

		p, err := r.GetPrompt(ctx, cur)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) && len(chain) > 0 {
				slog.Warn("missing ancestor, truncating history", "prompt_id", id, "missing_id", cur)
				break
			}
			return nil, fmt.Errorf("load prompt %s: %w", cur, err)
		}
		chain = append(chain, *p)
		if p.ParentID == nil {
			break
		}
		cur = *p.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// History returns the chat turns from the root down to and including id.
func History(ctx context.Context, r PromptReader, id string) ([]model.Turn, error) {
	path, err := Path(ctx, r, id)
	if err != nil {
		return nil, err
	}
	return Turns(path), nil
}

// Turns maps prompts to chat turns in order.
func Turns(path []model.Prompt) []model.Turn {
	turns := make([]model.Turn, len(path))
	for i := range path {
		turns[i] = model.Turn{Role: path[i].Role(), Content: path[i].Text}
	}
	return turns
}

// LastHumanMessage follows the newest human child from id until it reaches a
// prompt with no human children. If that prompt already has model
// completions the branch is waiting on review and nil is returned.
func LastHumanMessage(ctx context.Context, r PromptReader, id string) (*model.Prompt, error) {
	cur, err := r.GetPrompt(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{cur.ID: true}
	for {
		children, err := r.ListChildren(ctx, cur.ID, store.AllChildren)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", cur.ID, err)
		}

		var next *model.Prompt
		hasCompletion := false
		for i := range children {
			if children[i].IsSynthetic {
				hasCompletion = true
				continue
			}
			if next == nil {
				next = &children[i]
			}
		}

		if next == nil {
			if hasCompletion {
				return nil, nil
			}
			return cur, nil
		}
		if seen[next.ID] {
			return cur, nil
		}
		seen[next.ID] = true
		cur = next
	}
}
