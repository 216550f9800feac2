package model

import (
	"fmt"
	"time"
)

// RankingSize is the number of candidates in every ranking task.
const RankingSize = 4

// MaxEvaluators caps how many distinct users may evaluate one evaluation task.
const MaxEvaluators = 5

// TaskTypes is the fixed evaluation taxonomy. Every fan-out creates one task per entry.
var TaskTypes = []string{
	"pii",
	"quality_score",
	"seriousness",
	"creativity",
	"politeness",
	"safety",
	"friendliness",
	"difficulty",
	"spam",
	"appropriate",
	"hate_speech",
	"sexual_content",
	"child_friendly",
	"bias",
	"sarcasm",
	"topic_tags",
}

// IsTaskType reports whether name is part of the evaluation taxonomy.
func IsTaskType(name string) bool {
	for _, t := range TaskTypes {
		if t == name {
			return true
		}
	}
	return false
}

// RankingTask asks one reviewer to order four completions of the same parent.
type RankingTask struct {
	ID             string     `json:"id"`
	ParentPromptID string     `json:"parent_prompt_id"`
	CandidateIDs   []string   `json:"candidate_ids"`
	Ranking        []string   `json:"ranking,omitempty"`
	AssignedUser   *string    `json:"assigned_user,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	RevisionID     *string    `json:"revision_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// NewRankingTask creates an open ranking task over candidates.
func NewRankingTask(id, parentID string, candidates []string) RankingTask {
	return RankingTask{
		ID:             id,
		ParentPromptID: parentID,
		CandidateIDs:   append([]string(nil), candidates...),
		CreatedAt:      time.Now().UTC(),
	}
}

// IsCompleted reports whether a reviewer has finished the task.
func (t *RankingTask) IsCompleted() bool {
	return t.CompletedAt != nil
}

// ValidateRanking checks that ranking is a permutation of the task's candidates.
func (t *RankingTask) ValidateRanking(ranking []string) error {
	if len(ranking) != len(t.CandidateIDs) {
		return fmt.Errorf("%w: got %d ids, want %d", ErrInvalidRanking, len(ranking), len(t.CandidateIDs))
	}
	want := make(map[string]bool, len(t.CandidateIDs))
	for _, id := range t.CandidateIDs {
		want[id] = true
	}
	for _, id := range ranking {
		if !want[id] {
			return fmt.Errorf("%w: %q is not a candidate or is repeated", ErrInvalidRanking, id)
		}
		delete(want, id)
	}
	return nil
}

// EvaluationTask asks reviewers to label one prompt along one taxonomy dimension.
type EvaluationTask struct {
	ID        string    `json:"id"`
	PromptID  string    `json:"prompt_id"`
	TaskType  string    `json:"task_type"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// Evaluation is one reviewer's answer to an evaluation task.
type Evaluation struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskTypeCount summarizes evaluation tasks of one type for a reviewer.
type TaskTypeCount struct {
	TaskType  string `json:"task_type"`
	Available int    `json:"available"`
	Completed int    `json:"completed"`
}
