package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/crowdrank/internal/model"
)

// ---------------------------------------------------------------------------
// Ranking tasks
// ---------------------------------------------------------------------------

const rankingColumns = `id, parent_prompt_id, candidate_ids, ranking, assigned_user, claimed_at, revision_id, created_at, completed_at`

// CreateRankingTask inserts an open ranking task.
func (s *Store) CreateRankingTask(ctx context.Context, t model.RankingTask) error {
	if len(t.CandidateIDs) != model.RankingSize {
		return fmt.Errorf("ranking task %s: %d candidates, want %d", t.ID, len(t.CandidateIDs), model.RankingSize)
	}
	candidates, err := json.Marshal(t.CandidateIDs)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO ranking_tasks (id, parent_prompt_id, candidate_ids, created_at)
		VALUES (?, ?, ?, ?)`,
		t.ID, t.ParentPromptID, string(candidates), formatTime(t.CreatedAt),
	)
	return err
}

// GetRankingTask returns a ranking task by id, or model.ErrNotFound.
func (s *Store) GetRankingTask(ctx context.Context, id string) (*model.RankingTask, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+rankingColumns+` FROM ranking_tasks WHERE id = ?`, id)
	t, err := scanRankingTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ranking task %s: %w", id, model.ErrNotFound)
	}
	return t, err
}

// ListRankingTasks returns the ranking tasks created for parentID, oldest first.
func (s *Store) ListRankingTasks(ctx context.Context, parentID string) ([]model.RankingTask, error) {
	return s.queryRankingTasks(ctx,
		`SELECT `+rankingColumns+` FROM ranking_tasks WHERE parent_prompt_id = ? ORDER BY created_at ASC, rowid ASC`, parentID)
}

// CountRankingTasks returns how many ranking tasks exist for parentID.
func (s *Store) CountRankingTasks(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM ranking_tasks WHERE parent_prompt_id = ?`, parentID).Scan(&n)
	return n, err
}

// ListCompletedRankingTasks returns every completed ranking task in completion order.
func (s *Store) ListCompletedRankingTasks(ctx context.Context) ([]model.RankingTask, error) {
	return s.queryRankingTasks(ctx,
		`SELECT `+rankingColumns+` FROM ranking_tasks WHERE completed_at IS NOT NULL ORDER BY completed_at ASC, rowid ASC`)
}

// ClaimNextRankingTask hands userID a ranking task. An open task the user
// already holds is returned first; otherwise the oldest open task that is
// unclaimed, or whose claim is older than ttl, is atomically claimed.
// language filters on the parent prompt's language when non-empty.
// Returns nil if nothing is available.
func (s *Store) ClaimNextRankingTask(ctx context.Context, userID, language string, ttl time.Duration) (*model.RankingTask, error) {
	var claimed *model.RankingTask
	err := s.WithTx(ctx, func(tx *Store) error {
		now := time.Now().UTC()
		// An empty cutoff sorts before every timestamp, so claims never expire.
		cutoff := ""
		if ttl > 0 {
			cutoff = formatTime(now.Add(-ttl))
		}
		row := tx.q.QueryRowContext(ctx, `
			UPDATE ranking_tasks SET claimed_at = ?
			WHERE id = (SELECT id FROM ranking_tasks WHERE assigned_user = ? AND completed_at IS NULL
			            ORDER BY created_at ASC, rowid ASC LIMIT 1)
			RETURNING `+rankingColumns,
			formatTime(now), userID,
		)
		t, err := scanRankingTask(row)
		if err == nil {
			claimed = t
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		row = tx.q.QueryRowContext(ctx, `
			UPDATE ranking_tasks SET assigned_user = ?, claimed_at = ?
			WHERE id = (
				SELECT r.id FROM ranking_tasks r JOIN prompts p ON p.id = r.parent_prompt_id
				WHERE r.completed_at IS NULL
				  AND (r.assigned_user IS NULL OR r.claimed_at < ?)
				  AND (? = '' OR p.language = ?)
				ORDER BY r.created_at ASC, r.rowid ASC LIMIT 1)
			RETURNING `+rankingColumns,
			userID, formatTime(now), cutoff, language, language,
		)
		t, err = scanRankingTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		claimed = t
		return err
	})
	return claimed, err
}

// SubmitRanking records userID's ordering of the candidates. The ranking
// may be resubmitted until the task is completed by a revision.
func (s *Store) SubmitRanking(ctx context.Context, taskID, userID string, ranking []string) (*model.RankingTask, error) {
	var updated *model.RankingTask
	err := s.WithTx(ctx, func(tx *Store) error {
		t, err := tx.GetRankingTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := checkOpenFor(t, userID); err != nil {
			return err
		}
		if err := t.ValidateRanking(ranking); err != nil {
			return err
		}
		raw, err := json.Marshal(ranking)
		if err != nil {
			return err
		}
		now := formatTime(time.Now().UTC())
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE ranking_tasks SET ranking = ?, assigned_user = ?, claimed_at = COALESCE(claimed_at, ?) WHERE id = ? AND completed_at IS NULL`,
			string(raw), userID, now, taskID,
		); err != nil {
			return err
		}
		updated, err = tx.GetRankingTask(ctx, taskID)
		return err
	})
	return updated, err
}

// SubmitRevision completes a ranked task with userID's rewrite of the
// top-ranked candidate. The rewrite is stored as a revision prompt under the
// task's parent. Completion is first-claim: once completed_at is set no
// other submission succeeds.
func (s *Store) SubmitRevision(ctx context.Context, taskID, userID, revisionID, text string) (*model.Prompt, error) {
	var revision *model.Prompt
	err := s.WithTx(ctx, func(tx *Store) error {
		t, err := tx.GetRankingTask(ctx, taskID)
		if err != nil {
			return err
		}
		if err := checkOpenFor(t, userID); err != nil {
			return err
		}
		if len(t.Ranking) == 0 {
			return model.ErrRankingMissing
		}
		parent, err := tx.GetPrompt(ctx, t.ParentPromptID)
		if err != nil {
			return err
		}

		rev := model.NewRevision(revisionID, parent, t.Ranking[0], text, userID)
		if err := tx.CreatePrompt(ctx, rev); err != nil {
			return fmt.Errorf("create revision: %w", err)
		}
		res, err := tx.q.ExecContext(ctx,
			`UPDATE ranking_tasks SET completed_at = ?, assigned_user = ?, revision_id = ? WHERE id = ? AND completed_at IS NULL`,
			formatTime(rev.CreatedAt), userID, rev.ID, taskID,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return model.ErrTaskCompleted
		}
		revision = &rev
		return nil
	})
	return revision, err
}

func checkOpenFor(t *model.RankingTask, userID string) error {
	if t.IsCompleted() {
		return model.ErrTaskCompleted
	}
	if t.AssignedUser != nil && *t.AssignedUser != userID {
		return model.ErrTaskClaimed
	}
	return nil
}

func (s *Store) queryRankingTasks(ctx context.Context, query string, args ...any) ([]model.RankingTask, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.RankingTask
	for rows.Next() {
		t, err := scanRankingTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanRankingTask(row scanner) (*model.RankingTask, error) {
	var t model.RankingTask
	var candidates, createdAt string
	var ranking, claimedAt, completedAt *string
	err := row.Scan(&t.ID, &t.ParentPromptID, &candidates, &ranking, &t.AssignedUser, &claimedAt,
		&t.RevisionID, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candidates), &t.CandidateIDs); err != nil {
		return nil, fmt.Errorf("decode candidate_ids: %w", err)
	}
	if ranking != nil {
		if err := json.Unmarshal([]byte(*ranking), &t.Ranking); err != nil {
			return nil, fmt.Errorf("decode ranking: %w", err)
		}
	}
	t.ClaimedAt = parseTimePtr(claimedAt)
	t.CreatedAt = parseTime(createdAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

// ---------------------------------------------------------------------------
// Evaluation tasks
// ---------------------------------------------------------------------------

const evalTaskColumns = `id, prompt_id, task_type, language, created_at`

// CreateEvaluationTasks inserts a batch of evaluation tasks.
func (s *Store) CreateEvaluationTasks(ctx context.Context, tasks []model.EvaluationTask) error {
	return s.WithTx(ctx, func(tx *Store) error {
		for _, t := range tasks {
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO evaluation_tasks (`+evalTaskColumns+`) VALUES (?, ?, ?, ?, ?)`,
				t.ID, t.PromptID, t.TaskType, t.Language, formatTime(t.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert evaluation task %s: %w", t.TaskType, err)
			}
		}
		return nil
	})
}

// ListEvaluationTasks returns the evaluation tasks of a prompt.
func (s *Store) ListEvaluationTasks(ctx context.Context, promptID string) ([]model.EvaluationTask, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+evalTaskColumns+` FROM evaluation_tasks WHERE prompt_id = ? ORDER BY created_at ASC, rowid ASC`, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []model.EvaluationTask
	for rows.Next() {
		t, err := scanEvaluationTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetEvaluationTask returns an evaluation task by id, or model.ErrNotFound.
func (s *Store) GetEvaluationTask(ctx context.Context, id string) (*model.EvaluationTask, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+evalTaskColumns+` FROM evaluation_tasks WHERE id = ?`, id)
	t, err := scanEvaluationTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evaluation task %s: %w", id, model.ErrNotFound)
	}
	return t, err
}

// NextEvaluationTask returns the oldest task of taskType in language that
// userID has not evaluated and that has room for more evaluators.
// Returns nil if none is available.
func (s *Store) NextEvaluationTask(ctx context.Context, userID, taskType, language string) (*model.EvaluationTask, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+evalTaskColumns+` FROM evaluation_tasks t
		WHERE t.task_type = ? AND t.language = ?
		  AND NOT EXISTS (SELECT 1 FROM evaluations e WHERE e.task_id = t.id AND e.user_id = ?)
		  AND (SELECT COUNT(*) FROM evaluations e WHERE e.task_id = t.id) < ?
		ORDER BY t.created_at ASC, t.rowid ASC LIMIT 1`,
		taskType, language, userID, model.MaxEvaluators,
	)
	t, err := scanEvaluationTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CreateEvaluation stores a reviewer's answer. It fails with
// model.ErrAlreadyEvaluated for a repeat reviewer and model.ErrTaskSaturated
// once the task holds model.MaxEvaluators answers.
func (s *Store) CreateEvaluation(ctx context.Context, e model.Evaluation) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.GetEvaluationTask(ctx, e.TaskID); err != nil {
			return err
		}
		var count, mine int
		if err := tx.q.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0) FROM evaluations WHERE task_id = ?`,
			e.UserID, e.TaskID,
		).Scan(&count, &mine); err != nil {
			return err
		}
		if mine > 0 {
			return model.ErrAlreadyEvaluated
		}
		if count >= model.MaxEvaluators {
			return model.ErrTaskSaturated
		}
		_, err := tx.q.ExecContext(ctx,
			`INSERT INTO evaluations (id, task_id, user_id, value, created_at) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.TaskID, e.UserID, e.Value, formatTime(e.CreatedAt),
		)
		return err
	})
}

// EvaluationTaskCounts returns, per task type, how many tasks in language
// are still open to userID and how many the user has completed.
func (s *Store) EvaluationTaskCounts(ctx context.Context, userID, language string) ([]model.TaskTypeCount, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.task_type,
			COALESCE(SUM(CASE WHEN NOT EXISTS (SELECT 1 FROM evaluations e WHERE e.task_id = t.id AND e.user_id = ?)
			                   AND (SELECT COUNT(*) FROM evaluations e WHERE e.task_id = t.id) < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN EXISTS (SELECT 1 FROM evaluations e WHERE e.task_id = t.id AND e.user_id = ?) THEN 1 ELSE 0 END), 0)
		FROM evaluation_tasks t
		WHERE t.language = ?
		GROUP BY t.task_type`,
		userID, model.MaxEvaluators, userID, language,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := make(map[string]model.TaskTypeCount)
	for rows.Next() {
		var c model.TaskTypeCount
		if err := rows.Scan(&c.TaskType, &c.Available, &c.Completed); err != nil {
			return nil, err
		}
		byType[c.TaskType] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make([]model.TaskTypeCount, 0, len(model.TaskTypes))
	for _, tt := range model.TaskTypes {
		c := byType[tt]
		c.TaskType = tt
		counts = append(counts, c)
	}
	return counts, nil
}

// ListEvaluations returns a prompt's evaluations grouped by task type.
func (s *Store) ListEvaluations(ctx context.Context, promptID string) (map[string][]model.Evaluation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.task_type, e.id, e.task_id, e.user_id, e.value, e.created_at
		FROM evaluations e JOIN evaluation_tasks t ON t.id = e.task_id
		WHERE t.prompt_id = ?
		ORDER BY e.created_at ASC, e.rowid ASC`, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]model.Evaluation)
	for rows.Next() {
		var taskType, createdAt string
		var e model.Evaluation
		if err := rows.Scan(&taskType, &e.ID, &e.TaskID, &e.UserID, &e.Value, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out[taskType] = append(out[taskType], e)
	}
	return out, rows.Err()
}

func scanEvaluationTask(row scanner) (*model.EvaluationTask, error) {
	var t model.EvaluationTask
	var createdAt string
	if err := row.Scan(&t.ID, &t.PromptID, &t.TaskType, &t.Language, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
