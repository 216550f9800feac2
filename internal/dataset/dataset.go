// Package dataset exports completed ranking work as training records.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/model"
)

// Supported export formats.
const (
	FormatJSONL = "jsonl"
	FormatYAML  = "yaml"
)

// Source is the store access an export needs.
type Source interface {
	conversation.PromptReader
	ListCompletedRankingTasks(ctx context.Context) ([]model.RankingTask, error)
	ListEvaluations(ctx context.Context, promptID string) (map[string][]model.Evaluation, error)
}

// Record is one completed ranking task with everything needed to train on it.
type Record struct {
	TaskID      string       `json:"task_id" yaml:"task_id"`
	PromptID    string       `json:"prompt_id" yaml:"prompt_id"`
	Language    string       `json:"language" yaml:"language"`
	History     []model.Turn `json:"history" yaml:"history"`
	Candidates  []Candidate  `json:"candidates" yaml:"candidates"`
	Ranking     []string     `json:"ranking" yaml:"ranking"`
	Revision    *Revision    `json:"revision,omitempty" yaml:"revision,omitempty"`
	CompletedAt time.Time    `json:"completed_at" yaml:"completed_at"`
}

// Candidate is one ranked completion. Rank is 1 for the best.
type Candidate struct {
	ID      string `json:"id" yaml:"id"`
	Text    string `json:"text" yaml:"text"`
	Postfix string `json:"postfix" yaml:"postfix"`
	Model   string `json:"model" yaml:"model"`
	Rank    int    `json:"rank" yaml:"rank"`
}

// Revision is the reviewer's rewrite and the labels it received.
type Revision struct {
	ID          string              `json:"id" yaml:"id"`
	Text        string              `json:"text" yaml:"text"`
	Evaluations map[string][]string `json:"evaluations" yaml:"evaluations"`
}

// Export writes one record per completed ranking task to w in format and
// returns how many records were written.
func Export(ctx context.Context, src Source, w io.Writer, format string) (int, error) {
	var encode func(any) error
	switch format {
	case FormatJSONL:
		encode = json.NewEncoder(w).Encode
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		encode = enc.Encode
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}

	tasks, err := src.ListCompletedRankingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ranking tasks: %w", err)
	}
	n := 0
	for i := range tasks {
		rec, err := buildRecord(ctx, src, &tasks[i])
		if err != nil {
			return n, fmt.Errorf("task %s: %w", tasks[i].ID, err)
		}
		if err := encode(rec); err != nil {
			return n, fmt.Errorf("encode task %s: %w", tasks[i].ID, err)
		}
		n++
	}
	return n, nil
}

func buildRecord(ctx context.Context, src Source, t *model.RankingTask) (*Record, error) {
	parent, err := src.GetPrompt(ctx, t.ParentPromptID)
	if err != nil {
		return nil, err
	}
	history, err := conversation.History(ctx, src, parent.ID)
	if err != nil {
		return nil, err
	}

	rank := make(map[string]int, len(t.Ranking))
	for i, id := range t.Ranking {
		rank[id] = i + 1
	}
	rec := &Record{
		TaskID:   t.ID,
		PromptID: parent.ID,
		Language: parent.Language,
		History:  history,
		Ranking:  t.Ranking,
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = *t.CompletedAt
	}
	for _, id := range t.CandidateIDs {
		c, err := src.GetPrompt(ctx, id)
		if err != nil {
			return nil, err
		}
		rec.Candidates = append(rec.Candidates, Candidate{
			ID:      c.ID,
			Text:    c.Text,
			Postfix: c.Postfix,
			Model:   c.ModelUsed,
			Rank:    rank[c.ID],
		})
	}

	if t.RevisionID != nil {
		rev, err := src.GetPrompt(ctx, *t.RevisionID)
		if err != nil {
			return nil, err
		}
		evals, err := src.ListEvaluations(ctx, rev.ID)
		if err != nil {
			return nil, err
		}
		rec.Revision = &Revision{ID: rev.ID, Text: rev.Text, Evaluations: make(map[string][]string, len(evals))}
		for taskType, es := range evals {
			for _, e := range es {
				rec.Revision.Evaluations[taskType] = append(rec.Revision.Evaluations[taskType], e.Value)
			}
		}
	}
	return rec, nil
}
