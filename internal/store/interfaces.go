package store

import (
	"context"
	"time"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// ChildFilter selects which children of a prompt to list.
type ChildFilter int

const (
	AllChildren ChildFilter = iota
	SyntheticChildren
	HumanChildren
)

// PromptReader provides read access to the prompt tree.
type PromptReader interface {
	GetPrompt(ctx context.Context, id string) (*model.Prompt, error)
	ListChildren(ctx context.Context, parentID string, f ChildFilter) ([]model.Prompt, error)
	ListConversations(ctx context.Context, f model.ConversationFilter) ([]model.Prompt, error)
}

// PromptWriter provides write access to the prompt tree.
type PromptWriter interface {
	CreatePrompt(ctx context.Context, p model.Prompt) error
	FlagForConversation(ctx context.Context, id string) error
}

// ReferenceStore provides access to prompt references.
type ReferenceStore interface {
	CreateReference(ctx context.Context, r model.Reference) error
	ListReferences(ctx context.Context, promptID string) ([]model.Reference, error)
}

// RankingTaskStore provides access to ranking tasks.
type RankingTaskStore interface {
	CreateRankingTask(ctx context.Context, t model.RankingTask) error
	GetRankingTask(ctx context.Context, id string) (*model.RankingTask, error)
	ListRankingTasks(ctx context.Context, parentID string) ([]model.RankingTask, error)
	CountRankingTasks(ctx context.Context, parentID string) (int, error)
	ClaimNextRankingTask(ctx context.Context, userID, language string, ttl time.Duration) (*model.RankingTask, error)
	SubmitRanking(ctx context.Context, taskID, userID string, ranking []string) (*model.RankingTask, error)
	SubmitRevision(ctx context.Context, taskID, userID, revisionID, text string) (*model.Prompt, error)
	ListCompletedRankingTasks(ctx context.Context) ([]model.RankingTask, error)
}

// EvaluationStore provides access to evaluation tasks and evaluations.
type EvaluationStore interface {
	CreateEvaluationTasks(ctx context.Context, tasks []model.EvaluationTask) error
	ListEvaluationTasks(ctx context.Context, promptID string) ([]model.EvaluationTask, error)
	GetEvaluationTask(ctx context.Context, id string) (*model.EvaluationTask, error)
	NextEvaluationTask(ctx context.Context, userID, taskType, language string) (*model.EvaluationTask, error)
	CreateEvaluation(ctx context.Context, e model.Evaluation) error
	EvaluationTaskCounts(ctx context.Context, userID, language string) ([]model.TaskTypeCount, error)
	ListEvaluations(ctx context.Context, promptID string) (map[string][]model.Evaluation, error)
}

// JobQueue provides the persistent queue behind the background job runner.
type JobQueue interface {
	EnqueueJob(ctx context.Context, j model.Job) error
	ClaimNextJob(ctx context.Context) (*model.Job, error)
	FinishJob(ctx context.Context, id, status string, res model.JobResult, errorInfo *string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	LatestJob(ctx context.Context, promptID string) (*model.Job, error)
	ResetStaleJobs(ctx context.Context) (int64, error)
}

// Repository combines all operations for the API layer.
type Repository interface {
	PromptReader
	PromptWriter
	ReferenceStore
	RankingTaskStore
	EvaluationStore
	JobQueue
}
