package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// Processor runs the generation pipeline for a single job.
type Processor interface {
	Run(ctx context.Context, job *model.Job) (model.JobResult, error)
}

// JobStore provides the job queue operations the runner needs.
type JobStore interface {
	EnqueueJob(ctx context.Context, j model.Job) error
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	FinishJob(ctx context.Context, id, status string, res model.JobResult, errorInfo *string) error
}

// Cooldown gates how often a prompt may be regenerated.
type Cooldown interface {
	TryAcquire(key string) (bool, time.Duration)
	Release(key string)
}

// CooldownError reports a retry refused because the prompt was retried too
// recently.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%v: retry in %s", model.ErrCooldown, e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return model.ErrCooldown }

// Runner executes queued jobs on a fixed number of workers. Jobs live in the
// store, so a queued job survives a restart.
type Runner struct {
	store     JobStore
	processor Processor
	cooldown  Cooldown
	workers   int
	interval  time.Duration
	newID     func() string
	wake      chan struct{}
}

// New creates a Runner with the given worker count and poll interval.
func New(s JobStore, p Processor, cd Cooldown, workers int, interval time.Duration) *Runner {
	if workers < 1 {
		workers = 1
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Runner{
		store:     s,
		processor: p,
		cooldown:  cd,
		workers:   workers,
		interval:  interval,
		newID:     uuid.NewString,
		wake:      make(chan struct{}, 1),
	}
}

// Submit queues a job for promptID and wakes an idle worker.
func (r *Runner) Submit(ctx context.Context, promptID, kind string) (*model.Job, error) {
	job := model.NewJob(r.newID(), promptID, kind)
	if err := r.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	slog.Info("job queued", "job_id", job.ID, "prompt_id", promptID, "kind", kind)
	r.nudge()
	return &job, nil
}

// Retry queues a regeneration of promptID unless the prompt is still
// cooling down, in which case it returns a *CooldownError.
func (r *Runner) Retry(ctx context.Context, promptID string) (*model.Job, error) {
	if r.cooldown != nil {
		ok, wait := r.cooldown.TryAcquire(promptID)
		if !ok {
			return nil, &CooldownError{RetryAfter: wait}
		}
	}
	job, err := r.Submit(ctx, promptID, model.JobRetry)
	if err != nil && r.cooldown != nil {
		r.cooldown.Release(promptID)
	}
	return job, err
}

func (r *Runner) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the workers. It blocks until ctx is cancelled and every
// in-flight job has finished.
func (r *Runner) Start(ctx context.Context) {
	slog.Info("runner started", "workers", r.workers, "interval", r.interval.String())
	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, i)
		}()
	}
	wg.Wait()
	slog.Info("runner stopped")
}

func (r *Runner) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("worker claim error", "worker", worker, "error", err)
			}
			r.sleep(ctx)
			continue
		}
		if job == nil {
			r.sleep(ctx)
			continue
		}
		// Another job may be waiting behind this one.
		r.nudge()
		r.process(ctx, worker, job)
	}
}

// process runs one claimed job and records its outcome. The job's own
// writes use a context detached from shutdown so a claimed job always
// reaches DONE or FAILED.
func (r *Runner) process(ctx context.Context, worker int, job *model.Job) {
	jobCtx := context.WithoutCancel(ctx)
	slog.Info("processing job", "worker", worker, "job_id", job.ID, "prompt_id", job.PromptID,
		"kind", job.Kind, "attempt", job.Attempts)

	res, err := r.runGuarded(jobCtx, job)
	if err != nil {
		slog.Error("job failed", "job_id", job.ID, "prompt_id", job.PromptID, "error", err)
		errInfo := buildErrorInfo(err)
		if sErr := r.store.FinishJob(jobCtx, job.ID, model.JobFailed, res, &errInfo); sErr != nil {
			slog.Error("failed to set FAILED status", "job_id", job.ID, "error", sErr)
		}
		return
	}

	if err := r.store.FinishJob(jobCtx, job.ID, model.JobDone, res, nil); err != nil {
		slog.Error("failed to set DONE status", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("job is now DONE", "job_id", job.ID, "prompt_id", job.PromptID,
		"completions", res.Completions, "ranking_tasks", res.RankingTasks)
}

func (r *Runner) runGuarded(ctx context.Context, job *model.Job) (res model.JobResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("job panicked", "job_id", job.ID, "prompt_id", job.PromptID,
				"panic", p, "stack", string(debug.Stack()))
			err = &panicError{value: p}
		}
	}()
	return r.processor.Run(ctx, job)
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-r.wake:
	case <-time.After(r.interval):
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (e *panicError) StepName() string { return "panic" }

// stepNamer is implemented by errors that carry a pipeline step name.
type stepNamer interface {
	StepName() string
}

func buildErrorInfo(err error) string {
	step := "unknown"
	var sn stepNamer
	if errors.As(err, &sn) {
		step = sn.StepName()
	}
	info := model.ErrorInfo{
		FailedStep: step,
		Message:    err.Error(),
		Retryable:  !errors.Is(err, model.ErrNotFound),
		FailedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	return info.ToJSON()
}
