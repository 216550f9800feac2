package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/model"
)

const (
	// CompletionsPerPrompt is how many completions a fresh conversation gets.
	CompletionsPerPrompt = 8
	// freshParallel and extensionParallel are the concurrent slots that run
	// after the synchronous empty-postfix baseline.
	freshParallel     = CompletionsPerPrompt - 1
	extensionParallel = CompletionsPerPrompt
)

// GeneratorStore is the store access completion generation needs.
type GeneratorStore interface {
	conversation.PromptReader
	CreatePrompt(ctx context.Context, p model.Prompt) error
	ListReferences(ctx context.Context, promptID string) ([]model.Reference, error)
}

// Generator produces stylistically diverse completions of a prompt.
type Generator struct {
	store     GeneratorStore
	responder *Responder
	newID     func() string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a Generator. rng drives postfix selection; nil seeds
// a fresh source.
func NewGenerator(s GeneratorStore, r *Responder, rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{store: s, responder: r, newID: uuid.NewString, rng: rng}
}

// Generate runs one generation batch for parent and returns the persisted
// completions, deduplicated by id. The empty-postfix baseline runs first and
// alone; the styled completions then run concurrently, one goroutine per
// slot. A failed or panicking unit is logged and contributes nothing; it
// never fails the batch. An error is returned only when the conversation
// itself cannot be loaded.
func (g *Generator) Generate(ctx context.Context, parent *model.Prompt) ([]model.Prompt, error) {
	history, err := conversation.History(ctx, g.store, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	refs, err := g.store.ListReferences(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}
	refTexts := make([]string, len(refs))
	for i, r := range refs {
		refTexts[i] = r.Text
	}

	var (
		mu      sync.Mutex
		results []model.Prompt
		seen    = make(map[string]bool)
	)
	collect := func(p *model.Prompt) {
		if p == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[p.ID] {
			return
		}
		seen[p.ID] = true
		results = append(results, *p)
	}

	collect(g.runUnit(ctx, parent, history, refTexts, ""))

	postfixes := g.pickPostfixes(g.parallelSlots(parent))
	var eg errgroup.Group
	eg.SetLimit(len(postfixes))
	for _, postfix := range postfixes {
		eg.Go(func() error {
			collect(g.runUnit(ctx, parent, history, refTexts, postfix))
			return nil
		})
	}
	// Units log and drop their own failures, so Wait has nothing to report.
	eg.Wait()

	slog.Info("generation batch finished", "prompt_id", parent.ID,
		"attempted", len(postfixes)+1, "persisted", len(results))
	return results, nil
}

// parallelSlots is the number of styled completions after the baseline.
func (g *Generator) parallelSlots(parent *model.Prompt) int {
	if parent.ParentID == nil {
		return freshParallel
	}
	return extensionParallel
}

func (g *Generator) pickPostfixes(n int) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return PickPostfixes(g.rng, n)
}

// runUnit produces and persists one completion, returning nil on any failure.
func (g *Generator) runUnit(ctx context.Context, parent *model.Prompt, history []model.Turn, refs []string, postfix string) (out *model.Prompt) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("completion unit panicked", "prompt_id", parent.ID, "postfix", postfix,
				"panic", r, "stack", string(debug.Stack()))
			out = nil
		}
	}()

	turns := make([]model.Turn, len(history), len(history)+1)
	copy(turns, history)
	if postfix != "" {
		turns = append(turns, model.Turn{Role: model.RoleSystem, Content: postfix})
	}

	text := g.responder.Respond(ctx, turns, refs)
	if text == "" {
		slog.Warn("empty completion discarded", "prompt_id", parent.ID, "postfix", postfix)
		return nil
	}

	c := model.NewCompletion(g.newID(), parent, text, postfix, g.responder.Model())
	if err := g.store.CreatePrompt(ctx, c); err != nil {
		slog.Error("persist completion", "prompt_id", parent.ID, "postfix", postfix, "error", err)
		return nil
	}
	return &c
}
