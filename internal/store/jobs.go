package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/crowdrank/internal/model"
)

const jobColumns = `id, prompt_id, kind, status, attempts, completions, ranking_tasks, error_info, created_at, updated_at`

// EnqueueJob inserts a QUEUED job.
func (s *Store) EnqueueJob(ctx context.Context, j model.Job) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.PromptID, j.Kind, j.Status, j.Attempts, j.Completions, j.RankingTasks, j.ErrorInfo,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	return err
}

// ClaimNextJob atomically picks the oldest QUEUED job and sets it to RUNNING.
// Returns nil if no job is available.
func (s *Store) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	now := formatTime(time.Now().UTC())
	row := s.q.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1)
		RETURNING `+jobColumns,
		model.JobRunning, now, model.JobQueued,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// FinishJob records the terminal status of a job.
func (s *Store) FinishJob(ctx context.Context, id, status string, res model.JobResult, errorInfo *string) error {
	now := formatTime(time.Now().UTC())
	r, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completions = ?, ranking_tasks = ?, error_info = ?, updated_at = ? WHERE id = ?`,
		status, res.Completions, res.RankingTasks, errorInfo, now, id,
	)
	if err != nil {
		return err
	}
	return expectOne(r, "job", id)
}

// GetJob returns a job by id, or model.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return j, err
}

// LatestJob returns the most recent job for a prompt, or nil.
func (s *Store) LatestJob(ctx context.Context, promptID string) (*model.Job, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE prompt_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, promptID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ResetStaleJobs puts RUNNING jobs back to QUEUED (for server restart).
func (s *Store) ResetStaleJobs(ctx context.Context) (int64, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.q.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		model.JobQueued, now, model.JobRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanJob(row scanner) (*model.Job, error) {
	var j model.Job
	var createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.PromptID, &j.Kind, &j.Status, &j.Attempts, &j.Completions, &j.RankingTasks,
		&j.ErrorInfo, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}
