package model

import "time"

// Job status constants
const (
	JobQueued  = "QUEUED"
	JobRunning = "RUNNING"
	JobDone    = "DONE"
	JobFailed  = "FAILED"
)

// Job kind constants
const (
	JobGenerate = "generate"
	JobRetry    = "retry"
)

// Job is one background generation run for a prompt.
type Job struct {
	ID           string    `json:"id"`
	PromptID     string    `json:"prompt_id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	Completions  int       `json:"completions"`
	RankingTasks int       `json:"ranking_tasks"`
	ErrorInfo    *string   `json:"error_info,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobResult is what a finished job produced.
type JobResult struct {
	Completions  int
	RankingTasks int
}

// NewJob creates a QUEUED job for promptID.
func NewJob(id, promptID, kind string) Job {
	now := time.Now().UTC()
	return Job{
		ID:        id,
		PromptID:  promptID,
		Kind:      kind,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsActive reports whether the job is waiting or running.
func (j *Job) IsActive() bool {
	return j.Status == JobQueued || j.Status == JobRunning
}
