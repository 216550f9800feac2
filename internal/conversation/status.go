package conversation

import (
	"context"
	"time"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// DefaultStuckAfter is how long a prompt may wait for its first completion.
const DefaultStuckAfter = 5 * time.Minute

// IsStuck reports whether generation for p appears to have silently failed:
// p is old enough, nothing was generated for it, and it is not a revision.
func IsStuck(p *model.Prompt, completions, rankingTasks int, now time.Time, after time.Duration) bool {
	if p.IsRevision || p.IsSynthetic {
		return false
	}
	if completions > 0 || rankingTasks > 0 {
		return false
	}
	return !now.Before(p.CreatedAt.Add(after))
}

// StatusReader is the store access Summarize needs.
type StatusReader interface {
	PromptReader
	CountRankingTasks(ctx context.Context, parentID string) (int, error)
	LatestJob(ctx context.Context, promptID string) (*model.Job, error)
}

// RetryGate reports how long until a retry of promptID is allowed.
type RetryGate interface {
	Remaining(promptID string) time.Duration
}

// Summary is the contributor-facing state of one conversation prompt.
type Summary struct {
	Prompt             model.Prompt `json:"prompt"`
	RootID             string       `json:"root_id"`
	IsExtension        bool         `json:"is_extension"`
	History            []model.Turn `json:"history"`
	Responses          int          `json:"responses"`
	RankingTasks       int          `json:"ranking_tasks"`
	ResponsesGenerated bool         `json:"responses_generated"`
	IsStuck            bool         `json:"is_stuck"`
	RetryAllowed       bool         `json:"retry_allowed"`
	IsAuthor           bool         `json:"is_author"`
	CanExtend          bool         `json:"can_extend"`
	ReadyForExtension  bool         `json:"ready_for_extension"`
	LastJob            *model.Job   `json:"last_job,omitempty"`
}

// Summarizer builds Summary values for a viewing user.
type Summarizer struct {
	store      StatusReader
	gate       RetryGate
	stuckAfter time.Duration
	now        func() time.Time
}

// NewSummarizer creates a Summarizer. stuckAfter <= 0 uses DefaultStuckAfter.
func NewSummarizer(s StatusReader, gate RetryGate, stuckAfter time.Duration) *Summarizer {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Summarizer{store: s, gate: gate, stuckAfter: stuckAfter, now: time.Now}
}

// Summarize describes p as seen by userID.
func (z *Summarizer) Summarize(ctx context.Context, p *model.Prompt, userID string) (*Summary, error) {
	path, err := Path(ctx, z.store, p.ID)
	if err != nil {
		return nil, err
	}
	responses, err := z.store.ListChildren(ctx, p.ID, store.SyntheticChildren)
	if err != nil {
		return nil, err
	}
	tasks, err := z.store.CountRankingTasks(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	job, err := z.store.LatestJob(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	last, err := LastHumanMessage(ctx, z.store, p.ID)
	if err != nil {
		return nil, err
	}

	generated := len(responses) > 0 || tasks > 0
	s := &Summary{
		Prompt:             *p,
		RootID:             path[0].ID,
		IsExtension:        p.ParentID != nil,
		History:            Turns(path),
		Responses:          len(responses),
		RankingTasks:       tasks,
		ResponsesGenerated: generated,
		IsStuck:            IsStuck(p, len(responses), tasks, z.now(), z.stuckAfter),
		RetryAllowed:       z.gate == nil || z.gate.Remaining(p.ID) <= 0,
		IsAuthor:           p.IsAuthoredBy(userID),
		CanExtend: last != nil && !last.IsSynthetic && !last.IsAuthoredBy(userID) &&
			!p.FlaggedForConversation,
		ReadyForExtension: p.IsRevision && !generated,
		LastJob:           job,
	}
	return s, nil
}
