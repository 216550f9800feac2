package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

// ---------------------------------------------------------------------------
// POST /api/conversations
// ---------------------------------------------------------------------------

type promptRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

type queuedResponse struct {
	Prompt model.Prompt `json:"prompt"`
	Job    *model.Job   `json:"job"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	p := model.NewHumanPrompt(uuid.NewString(), nil, req.Text, s.language(r, req.Language), user)
	s.createAndQueue(w, r, p)
}

// createAndQueue persists p and queues its generation. A failed enqueue
// leaves p in place; it surfaces later as stuck and can be retried.
func (s *Server) createAndQueue(w http.ResponseWriter, r *http.Request, p model.Prompt) {
	if err := s.store.CreatePrompt(r.Context(), p); err != nil {
		writeStoreError(w, err, "failed to create prompt")
		return
	}
	job, err := s.jobs.Submit(r.Context(), p.ID, model.JobGenerate)
	if err != nil {
		writeStoreError(w, err, "failed to queue generation")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Prompt: p, Job: job})
}

// ---------------------------------------------------------------------------
// GET /api/conversations
// ---------------------------------------------------------------------------

const defaultListLimit = 50

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := model.ConversationFilter{Language: q.Get("language"), Limit: defaultListLimit}
	switch q.Get("filter") {
	case "", "mine":
		filter.UserID = user
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "filter must be mine or all")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	prompts, err := s.store.ListConversations(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err, "failed to list conversations")
		return
	}
	summaries := make([]*conversation.Summary, 0, len(prompts))
	for i := range prompts {
		sum, err := s.summarizer.Summarize(r.Context(), &prompts[i], user)
		if err != nil {
			writeStoreError(w, err, "failed to summarize conversation")
			return
		}
		summaries = append(summaries, sum)
	}
	writeJSON(w, http.StatusOK, summaries)
}

// ---------------------------------------------------------------------------
// GET /api/prompts/{id}
// ---------------------------------------------------------------------------

type promptDetail struct {
	*conversation.Summary
	Completions  []model.Prompt      `json:"completions"`
	Revisions    []model.Prompt      `json:"revisions"`
	Tasks        []model.RankingTask `json:"ranking_task_list"`
	References   []model.Reference   `json:"references"`
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := r.Header.Get(userHeader)

	p, err := s.store.GetPrompt(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to get prompt")
		return
	}
	sum, err := s.summarizer.Summarize(ctx, p, user)
	if err != nil {
		writeStoreError(w, err, "failed to summarize prompt")
		return
	}
	completions, err := s.store.ListChildren(ctx, p.ID, store.SyntheticChildren)
	if err != nil {
		writeStoreError(w, err, "failed to list completions")
		return
	}
	humans, err := s.store.ListChildren(ctx, p.ID, store.HumanChildren)
	if err != nil {
		writeStoreError(w, err, "failed to list revisions")
		return
	}
	tasks, err := s.store.ListRankingTasks(ctx, p.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list ranking tasks")
		return
	}
	refs, err := s.store.ListReferences(ctx, p.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list references")
		return
	}

	detail := promptDetail{
		Summary:      sum,
		Completions:  nonNil(completions),
		Revisions:    []model.Prompt{},
		Tasks:        nonNil(tasks),
		References:   nonNil(refs),
	}
	for _, h := range humans {
		if h.IsRevision {
			detail.Revisions = append(detail.Revisions, h)
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ---------------------------------------------------------------------------
// POST /api/prompts/{id}/extend
// ---------------------------------------------------------------------------

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req promptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	parent, err := s.store.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to get prompt")
		return
	}
	p := model.NewHumanPrompt(uuid.NewString(), &parent.ID, req.Text, parent.Language, user)
	s.createAndQueue(w, r, p)
}

// ---------------------------------------------------------------------------
// POST /api/prompts/{id}/retry
// ---------------------------------------------------------------------------

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to get prompt")
		return
	}
	if !p.IsAuthoredBy(user) {
		writeStoreError(w, model.ErrNotAuthor, "")
		return
	}
	if p.IsSynthetic {
		writeError(w, http.StatusBadRequest, "completions cannot be regenerated")
		return
	}

	job, err := s.jobs.Retry(r.Context(), p.ID)
	if err != nil {
		writeStoreError(w, err, "failed to queue retry")
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Prompt: *p, Job: job})
}

// ---------------------------------------------------------------------------
// POST /api/prompts/{id}/flag
// ---------------------------------------------------------------------------

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.store.FlagForConversation(r.Context(), id); err != nil {
		writeStoreError(w, err, "failed to flag prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "flagged_for_conversation": true})
}

// ---------------------------------------------------------------------------
// POST /api/prompts/{id}/references
// ---------------------------------------------------------------------------

type referenceRequest struct {
	Link string `json:"link"`
	Text string `json:"text"`
}

func (s *Server) handleAddReference(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var req referenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	p, err := s.store.GetPrompt(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to get prompt")
		return
	}

	ref := model.Reference{Link: req.Link, Text: strings.TrimSpace(req.Text)}
	if ref.Text == "" {
		if req.Link == "" {
			writeError(w, http.StatusBadRequest, "text or link is required")
			return
		}
		ref, err = s.extractor.Extract(ctx, req.Link)
		if err != nil {
			writeError(w, http.StatusBadGateway, "failed to fetch reference: "+err.Error())
			return
		}
	}
	ref.ID = uuid.NewString()
	ref.PromptID = p.ID
	ref.Text = truncateRunes(ref.Text, s.opts.MaxReferenceLength)
	ref.CreatedAt = time.Now().UTC()
	if err := s.store.CreateReference(ctx, ref); err != nil {
		writeStoreError(w, err, "failed to save reference")
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ---------------------------------------------------------------------------
// POST /api/prompts/{id}/evaluation-tasks
// ---------------------------------------------------------------------------

func (s *Server) handleCreateEvaluationTasks(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	tasks, created, err := s.fanout.CreateEvaluationTasks(r.Context(), s.store, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to create evaluation tasks")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, tasks)
}

// ---------------------------------------------------------------------------
// GET /api/jobs/{id}
// ---------------------------------------------------------------------------

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
