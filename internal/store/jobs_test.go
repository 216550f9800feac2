package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/model"
)

func TestJobQueue_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRoot(t, s, "p", "en", "u")

	none, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, s.EnqueueJob(ctx, model.NewJob("j1", "p", model.JobGenerate)))
	require.NoError(t, s.EnqueueJob(ctx, model.NewJob("j2", "p", model.JobRetry)))

	got, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, s.FinishJob(ctx, "j1", model.JobDone, model.JobResult{Completions: 8, RankingTasks: 2}, nil))
	done, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, done.Status)
	assert.Equal(t, 8, done.Completions)
	assert.Equal(t, 2, done.RankingTasks)

	latest, err := s.LatestJob(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "j2", latest.ID)

	_, err = s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResetStaleJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRoot(t, s, "p", "en", "u")
	require.NoError(t, s.EnqueueJob(ctx, model.NewJob("j1", "p", model.JobGenerate)))
	_, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)

	n, err := s.ResetStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := s.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}
