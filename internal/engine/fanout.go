package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// MaxRankingTasks caps the ranking tasks created per generation batch.
const MaxRankingTasks = 2

// SampleRankingGroups decides which candidates go into which ranking task.
// Duplicate ids are dropped first. With fewer than model.RankingSize unique
// ids there are no groups; otherwise min(MaxRankingTasks, n/RankingSize)
// groups of distinct ids are drawn, each independently from the full pool,
// so groups may overlap.
func SampleRankingGroups(rng *rand.Rand, ids []string) [][]string {
	unique := dedupe(ids)
	if len(unique) < model.RankingSize {
		return nil
	}
	k := min(MaxRankingTasks, len(unique)/model.RankingSize)
	groups := make([][]string, 0, k)
	for range k {
		perm := rng.Perm(len(unique))
		group := make([]string, model.RankingSize)
		for j := range group {
			group[j] = unique[perm[j]]
		}
		groups = append(groups, group)
	}
	return groups
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// FanOut turns generated completions and revisions into review tasks.
type FanOut struct {
	newID func() string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFanOut creates a FanOut. nil rng seeds a fresh source.
func NewFanOut(rng *rand.Rand) *FanOut {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &FanOut{newID: uuid.NewString, rng: rng}
}

// CreateRankingTasks persists the ranking tasks for parentID's candidates in
// one transaction and returns them. Few candidates yield no tasks.
func (f *FanOut) CreateRankingTasks(ctx context.Context, s *store.Store, parentID string, candidateIDs []string) ([]model.RankingTask, error) {
	f.mu.Lock()
	groups := SampleRankingGroups(f.rng, candidateIDs)
	f.mu.Unlock()
	if len(groups) == 0 {
		return nil, nil
	}

	tasks := make([]model.RankingTask, len(groups))
	for i, g := range groups {
		tasks[i] = model.NewRankingTask(f.newID(), parentID, g)
	}
	err := s.WithTx(ctx, func(tx *store.Store) error {
		for _, t := range tasks {
			if err := tx.CreateRankingTask(ctx, t); err != nil {
				return fmt.Errorf("create ranking task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateEvaluationTasks creates one task per taxonomy type for promptID,
// tagged with the prompt's language. A prompt that already has evaluation
// tasks keeps them: the existing tasks are returned and created is false.
func (f *FanOut) CreateEvaluationTasks(ctx context.Context, s *store.Store, promptID string) (tasks []model.EvaluationTask, created bool, err error) {
	err = s.WithTx(ctx, func(tx *store.Store) error {
		p, err := tx.GetPrompt(ctx, promptID)
		if err != nil {
			return err
		}
		existing, err := tx.ListEvaluationTasks(ctx, promptID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			tasks = existing
			return nil
		}

		now := time.Now().UTC()
		tasks = make([]model.EvaluationTask, len(model.TaskTypes))
		for i, tt := range model.TaskTypes {
			tasks[i] = model.EvaluationTask{
				ID:        f.newID(),
				PromptID:  p.ID,
				TaskType:  tt,
				Language:  p.Language,
				CreatedAt: now,
			}
		}
		created = true
		return tx.CreateEvaluationTasks(ctx, tasks)
	})
	if err != nil {
		return nil, false, err
	}
	return tasks, created, nil
}
