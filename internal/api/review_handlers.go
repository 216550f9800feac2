package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// ---------------------------------------------------------------------------
// GET /api/ranking-tasks/next
// ---------------------------------------------------------------------------

type rankingTaskView struct {
	Task       model.RankingTask `json:"task"`
	History    []model.Turn      `json:"history"`
	Candidates []model.Prompt    `json:"candidates"`
}

func (s *Server) handleNextRankingTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	task, err := s.store.ClaimNextRankingTask(ctx, user, s.language(r, ""), s.opts.ClaimTTL)
	if err != nil {
		writeStoreError(w, err, "failed to claim ranking task")
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	view, err := s.rankingView(ctx, task)
	if err != nil {
		writeStoreError(w, err, "failed to load ranking task")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) rankingView(ctx context.Context, t *model.RankingTask) (*rankingTaskView, error) {
	history, err := conversation.History(ctx, s.store, t.ParentPromptID)
	if err != nil {
		return nil, err
	}
	view := &rankingTaskView{Task: *t, History: history}
	for _, id := range t.CandidateIDs {
		c, err := s.store.GetPrompt(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", id, err)
		}
		view.Candidates = append(view.Candidates, *c)
	}
	return view, nil
}

// ---------------------------------------------------------------------------
// POST /api/ranking-tasks/{id}/ranking
// ---------------------------------------------------------------------------

type rankingRequest struct {
	Ranking []string `json:"ranking"`
}

func (s *Server) handleSubmitRanking(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req rankingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.store.SubmitRanking(r.Context(), r.PathValue("id"), user, req.Ranking)
	if err != nil {
		writeStoreError(w, err, "failed to submit ranking")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ---------------------------------------------------------------------------
// POST /api/ranking-tasks/{id}/revision
// ---------------------------------------------------------------------------

type revisionRequest struct {
	Text string `json:"text"`
}

type revisionResponse struct {
	Revision        model.Prompt           `json:"revision"`
	EvaluationTasks []model.EvaluationTask `json:"evaluation_tasks"`
}

// handleSubmitRevision completes the task and fans the revision out into
// evaluation tasks in one transaction.
func (s *Server) handleSubmitRevision(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req revisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx := r.Context()
	var resp revisionResponse
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		rev, err := tx.SubmitRevision(ctx, r.PathValue("id"), user, uuid.NewString(), req.Text)
		if err != nil {
			return err
		}
		tasks, _, err := s.fanout.CreateEvaluationTasks(ctx, tx, rev.ID)
		if err != nil {
			return err
		}
		resp = revisionResponse{Revision: *rev, EvaluationTasks: tasks}
		return nil
	})
	if err != nil {
		writeStoreError(w, err, "failed to submit revision")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ---------------------------------------------------------------------------
// GET /api/evaluation-tasks
// ---------------------------------------------------------------------------

func (s *Server) handleEvaluationCounts(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	counts, err := s.store.EvaluationTaskCounts(r.Context(), user, s.language(r, ""))
	if err != nil {
		writeStoreError(w, err, "failed to count evaluation tasks")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ---------------------------------------------------------------------------
// GET /api/evaluation-tasks/next
// ---------------------------------------------------------------------------

type evaluationTaskView struct {
	Task    model.EvaluationTask `json:"task"`
	Prompt  model.Prompt         `json:"prompt"`
	History []model.Turn         `json:"history"`
}

func (s *Server) handleNextEvaluationTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	taskType := r.URL.Query().Get("type")
	if !model.IsTaskType(taskType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", taskType))
		return
	}

	ctx := r.Context()
	task, err := s.store.NextEvaluationTask(ctx, user, taskType, s.language(r, ""))
	if err != nil {
		writeStoreError(w, err, "failed to find evaluation task")
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	p, err := s.store.GetPrompt(ctx, task.PromptID)
	if err != nil {
		writeStoreError(w, err, "failed to load prompt")
		return
	}
	history, err := conversation.History(ctx, s.store, p.ID)
	if err != nil {
		writeStoreError(w, err, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, evaluationTaskView{Task: *task, Prompt: *p, History: history})
}

// ---------------------------------------------------------------------------
// POST /api/evaluation-tasks/{id}/evaluations
// ---------------------------------------------------------------------------

type evaluationRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSubmitEvaluation(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req evaluationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	e := model.Evaluation{
		ID:        uuid.NewString(),
		TaskID:    r.PathValue("id"),
		UserID:    user,
		Value:     req.Value,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateEvaluation(r.Context(), e); err != nil {
		writeStoreError(w, err, "failed to submit evaluation")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}
