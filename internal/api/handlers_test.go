package api

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/cooldown"
	"github.com/yangwenmai/crowdrank/internal/engine"
	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
	"github.com/yangwenmai/crowdrank/internal/worker"
)

type testEnv struct {
	handler  http.Handler
	store    *store.Store
	pipeline *engine.Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)

	fanout := engine.NewFanOut(rand.New(rand.NewPCG(1, 1)))
	gen := engine.NewGenerator(s, engine.NewResponder(&engine.StubModelClient{}, nil), rand.New(rand.NewPCG(2, 2)))
	pipeline := engine.NewPipeline(s, gen, fanout)
	cd := cooldown.New(64, time.Minute)
	runner := worker.New(s, pipeline, cd, 1, time.Hour)
	summarizer := conversation.NewSummarizer(s, cd, time.Minute)

	srv := New(s, runner, fanout, &engine.StubExtractor{}, summarizer, Options{
		DefaultLanguage:    "is",
		ClaimTTL:           time.Hour,
		MaxReferenceLength: 40,
	})
	return &testEnv{handler: srv.Handler(), store: s, pipeline: pipeline}
}

func (e *testEnv) do(t *testing.T, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// generate runs the queued generation for promptID synchronously.
func (e *testEnv) generate(t *testing.T, promptID string) {
	t.Helper()
	ctx := context.Background()
	job, err := e.store.LatestJob(ctx, promptID)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = e.pipeline.Run(ctx, job)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func (e *testEnv) createConversation(t *testing.T, user, text string) queuedResponse {
	t.Helper()
	rr := e.do(t, user, http.MethodPost, "/api/conversations", `{"text":"`+text+`"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	return decode[queuedResponse](t, rr)
}

func TestCreateConversation(t *testing.T) {
	env := newTestEnv(t)

	got := env.createConversation(t, "alice", "Hvað er klukkan?")
	assert.Equal(t, "is", got.Prompt.Language)
	assert.Nil(t, got.Prompt.ParentID)
	require.NotNil(t, got.Job)
	assert.Equal(t, model.JobQueued, got.Job.Status)
	assert.Equal(t, got.Prompt.ID, got.Job.PromptID)

	rr := env.do(t, "", http.MethodGet, "/api/jobs/"+got.Job.ID, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCreateConversation_Validation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "", http.MethodPost, "/api/conversations", `{"text":"hi"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, "alice", http.MethodPost, "/api/conversations", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "alice", http.MethodPost, "/api/conversations", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetPrompt_AfterGeneration(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")
	env.generate(t, conv.Prompt.ID)

	rr := env.do(t, "alice", http.MethodGet, "/api/prompts/"+conv.Prompt.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[map[string]any](t, rr)
	assert.Len(t, detail["completions"], engine.CompletionsPerPrompt)
	assert.Len(t, detail["ranking_task_list"], engine.MaxRankingTasks)
	assert.Equal(t, true, detail["responses_generated"])
	assert.Equal(t, true, detail["is_author"])
	assert.Equal(t, false, detail["is_stuck"])

	rr = env.do(t, "alice", http.MethodGet, "/api/prompts/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t)
	env.createConversation(t, "alice", "one")
	env.createConversation(t, "bob", "two")

	mine := decode[[]map[string]any](t, env.do(t, "alice", http.MethodGet, "/api/conversations", ""))
	assert.Len(t, mine, 1)

	all := decode[[]map[string]any](t, env.do(t, "alice", http.MethodGet, "/api/conversations?filter=all", ""))
	assert.Len(t, all, 2)

	rr := env.do(t, "alice", http.MethodGet, "/api/conversations?filter=weird", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRetry(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")
	path := "/api/prompts/" + conv.Prompt.ID + "/retry"

	rr := env.do(t, "bob", http.MethodPost, path, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, "alice", http.MethodPost, path, "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, model.JobRetry, decode[queuedResponse](t, rr).Job.Kind)

	rr = env.do(t, "alice", http.MethodPost, path, "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))

	sum := decode[map[string]any](t, env.do(t, "alice", http.MethodGet, "/api/prompts/"+conv.Prompt.ID, ""))
	assert.Equal(t, false, sum["retry_allowed"])
}

func TestExtendAndFlag(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")

	rr := env.do(t, "bob", http.MethodPost, "/api/prompts/"+conv.Prompt.ID+"/flag", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, "bob", http.MethodPost, "/api/prompts/"+conv.Prompt.ID+"/extend", `{"text":"go on"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	ext := decode[queuedResponse](t, rr)
	require.NotNil(t, ext.Prompt.ParentID)
	assert.Equal(t, conv.Prompt.ID, *ext.Prompt.ParentID)
	assert.Equal(t, "is", ext.Prompt.Language)

	rr = env.do(t, "bob", http.MethodPost, "/api/prompts/missing/flag", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAddReference(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")
	path := "/api/prompts/" + conv.Prompt.ID + "/references"

	rr := env.do(t, "alice", http.MethodPost, path, `{"text":"short reference"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "short reference", decode[model.Reference](t, rr).Text)

	rr = env.do(t, "alice", http.MethodPost, path, `{"link":"https://example.com/a"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	ref := decode[model.Reference](t, rr)
	assert.Equal(t, "https://example.com/a", ref.Link)
	assert.Equal(t, "This is a stub reference extracted from ", ref.Text, "capped once, no marker")

	rr = env.do(t, "alice", http.MethodPost, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRankingAndRevisionFlow(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")
	env.generate(t, conv.Prompt.ID)

	rr := env.do(t, "carol", http.MethodGet, "/api/ranking-tasks/next", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[rankingTaskView](t, rr)
	require.Len(t, view.Candidates, model.RankingSize)
	require.Len(t, view.History, 1)
	assert.Equal(t, "hello", view.History[0].Content)

	// The same user is served the task they already hold.
	again := decode[rankingTaskView](t, env.do(t, "carol", http.MethodGet, "/api/ranking-tasks/next", ""))
	assert.Equal(t, view.Task.ID, again.Task.ID)

	base := "/api/ranking-tasks/" + view.Task.ID
	rr = env.do(t, "carol", http.MethodPost, base+"/revision", `{"text":"better"}`)
	assert.Equal(t, http.StatusConflict, rr.Code, "revision needs a ranking first")

	rr = env.do(t, "carol", http.MethodPost, base+"/ranking", `{"ranking":["x","y","z","w"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	ranking := []string{view.Task.CandidateIDs[2], view.Task.CandidateIDs[0], view.Task.CandidateIDs[3], view.Task.CandidateIDs[1]}
	body, _ := json.Marshal(rankingRequest{Ranking: ranking})
	rr = env.do(t, "dave", http.MethodPost, base+"/ranking", string(body))
	assert.Equal(t, http.StatusConflict, rr.Code, "task is claimed by carol")

	rr = env.do(t, "carol", http.MethodPost, base+"/ranking", string(body))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, "carol", http.MethodPost, base+"/revision", `{"text":"a much better answer"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rev := decode[revisionResponse](t, rr)
	assert.True(t, rev.Revision.IsRevision)
	assert.True(t, rev.Revision.FlaggedForConversation)
	require.NotNil(t, rev.Revision.RevisionOf)
	assert.Equal(t, ranking[0], *rev.Revision.RevisionOf)
	assert.Len(t, rev.EvaluationTasks, len(model.TaskTypes))

	rr = env.do(t, "carol", http.MethodPost, base+"/revision", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestNextRankingTask_NoneAvailable(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "carol", http.MethodGet, "/api/ranking-tasks/next", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestEvaluationFlow(t *testing.T) {
	env := newTestEnv(t)
	conv := env.createConversation(t, "alice", "hello")

	rr := env.do(t, "alice", http.MethodPost, "/api/prompts/"+conv.Prompt.ID+"/evaluation-tasks", "")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = env.do(t, "alice", http.MethodPost, "/api/prompts/"+conv.Prompt.ID+"/evaluation-tasks", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, "erin", http.MethodGet, "/api/evaluation-tasks/next?type=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, "erin", http.MethodGet, "/api/evaluation-tasks/next?type=safety", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[evaluationTaskView](t, rr)
	assert.Equal(t, "safety", view.Task.TaskType)
	assert.Equal(t, conv.Prompt.ID, view.Prompt.ID)

	path := "/api/evaluation-tasks/" + view.Task.ID + "/evaluations"
	rr = env.do(t, "erin", http.MethodPost, path, `{"value":"safe"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = env.do(t, "erin", http.MethodPost, path, `{"value":"safe"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, "erin", http.MethodGet, "/api/evaluation-tasks/next?type=safety", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	counts := decode[[]model.TaskTypeCount](t, env.do(t, "erin", http.MethodGet, "/api/evaluation-tasks", ""))
	require.Len(t, counts, len(model.TaskTypes))
	for _, c := range counts {
		if c.TaskType == "safety" {
			assert.Equal(t, 0, c.Available)
			assert.Equal(t, 1, c.Completed)
		} else {
			assert.Equal(t, 1, c.Available)
		}
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "", http.MethodOptions, "/api/conversations", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), userHeader)
}
