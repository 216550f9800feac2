package engine

import (
	"context"
	"log/slog"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// Pipeline runs one generation job: load the prompt, generate completions,
// then fan the completions out into ranking tasks.
type Pipeline struct {
	store     *store.Store
	generator *Generator
	fanout    *FanOut
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(s *store.Store, g *Generator, f *FanOut) *Pipeline {
	return &Pipeline{store: s, generator: g, fanout: f}
}

// Run executes the job's steps. Completions are persisted as they arrive;
// ranking tasks are created in a single transaction at the end. Zero
// completions is a valid outcome and creates no tasks. On failure it
// returns a *StepError indicating which step failed.
func (p *Pipeline) Run(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var res model.JobResult

	prompt, err := p.store.GetPrompt(ctx, job.PromptID)
	if err != nil {
		return res, &StepError{Step: "load", Err: err}
	}

	completions, err := p.generator.Generate(ctx, prompt)
	if err != nil {
		return res, &StepError{Step: "generate", Err: err}
	}
	res.Completions = len(completions)
	if len(completions) == 0 {
		slog.Warn("no completions generated", "job_id", job.ID, "prompt_id", prompt.ID)
		return res, nil
	}

	ids := make([]string, len(completions))
	for i, c := range completions {
		ids[i] = c.ID
	}
	tasks, err := p.fanout.CreateRankingTasks(ctx, p.store, prompt.ID, ids)
	if err != nil {
		return res, &StepError{Step: "fanout", Err: err}
	}
	res.RankingTasks = len(tasks)
	return res, nil
}

// StepError wraps an error with the step name that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// StepName returns the failed step.
func (e *StepError) StepName() string {
	return e.Step
}
