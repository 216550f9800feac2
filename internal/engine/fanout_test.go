package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

func seedCompletions(t *testing.T, s *store.Store, parent *model.Prompt, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		c := model.NewCompletion(fmt.Sprintf("c%d", i), parent, "answer", "", "fake")
		require.NoError(t, s.CreatePrompt(context.Background(), c))
		ids[i] = c.ID
	}
	return ids
}

func TestCreateRankingTasks_Counts(t *testing.T) {
	tests := []struct {
		unique int
		want   int
	}{
		{0, 0}, {3, 0}, {4, 1}, {5, 1}, {7, 1}, {8, 2}, {9, 2}, {16, 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_candidates", tt.unique), func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			root := seedRoot(t, s, "q")
			ids := seedCompletions(t, s, root, tt.unique)

			f := NewFanOut(rand.New(rand.NewPCG(7, 7)))
			tasks, err := f.CreateRankingTasks(ctx, s, root.ID, ids)
			require.NoError(t, err)
			assert.Len(t, tasks, tt.want)

			n, err := s.CountRankingTasks(ctx, root.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestCreateRankingTasks_DuplicatesCollapse(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "q")
	ids := seedCompletions(t, s, root, 5)
	withDups := append(append([]string(nil), ids...), ids[0], ids[1], ids[2])

	tasks, err := NewFanOut(nil).CreateRankingTasks(context.Background(), s, root.ID, withDups)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "five unique ids make exactly one task")
	assert.Len(t, tasks[0].CandidateIDs, model.RankingSize)
}

func TestCreateEvaluationTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := seedRoot(t, s, "q")
	f := NewFanOut(nil)

	tasks, created, err := f.CreateEvaluationTasks(ctx, s, root.ID)
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, tasks, len(model.TaskTypes))
	types := map[string]bool{}
	for _, tk := range tasks {
		assert.Equal(t, "is", tk.Language)
		types[tk.TaskType] = true
	}
	assert.Len(t, types, 16)

	again, created, err := f.CreateEvaluationTasks(ctx, s, root.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, again, 16)

	stored, err := s.ListEvaluationTasks(ctx, root.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 16, "a second fan-out must not duplicate tasks")

	_, _, err = f.CreateEvaluationTasks(ctx, s, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
