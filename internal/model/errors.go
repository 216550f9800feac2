package model

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidPrompt    = errors.New("invalid prompt")
	ErrInvalidRanking   = errors.New("ranking must be a permutation of the candidates")
	ErrRankingMissing   = errors.New("ranking has not been submitted")
	ErrTaskCompleted    = errors.New("task already completed")
	ErrTaskClaimed      = errors.New("task is claimed by another user")
	ErrAlreadyEvaluated = errors.New("task already evaluated by this user")
	ErrTaskSaturated    = errors.New("task has the maximum number of evaluations")
	ErrNotAuthor        = errors.New("only the author may do this")
	ErrCooldown         = errors.New("retry is cooling down")
)

// ErrorInfo holds structured failure information for a Job.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}
