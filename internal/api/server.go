package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yangwenmai/crowdrank/internal/conversation"
	"github.com/yangwenmai/crowdrank/internal/engine"
	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
	"github.com/yangwenmai/crowdrank/internal/worker"
)

// maxRequestBody is the maximum allowed request body size (1 MB).
const maxRequestBody int64 = 1 << 20

// userHeader carries the contributor's identity.
const userHeader = "X-User-ID"

// JobSubmitter queues background generation.
type JobSubmitter interface {
	Submit(ctx context.Context, promptID, kind string) (*model.Job, error)
	Retry(ctx context.Context, promptID string) (*model.Job, error)
}

// Options configures a Server.
type Options struct {
	DefaultLanguage    string
	ClaimTTL           time.Duration
	MaxReferenceLength int
	CORSOrigin         string
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	store      *store.Store
	jobs       JobSubmitter
	fanout     *engine.FanOut
	extractor  engine.ContentExtractor
	summarizer *conversation.Summarizer
	opts       Options
	mux        *http.ServeMux
}

// New creates a new API server.
func New(s *store.Store, jobs JobSubmitter, f *engine.FanOut, x engine.ContentExtractor, z *conversation.Summarizer, opts Options) *Server {
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en"
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	srv := &Server{
		store:      s,
		jobs:       jobs,
		fanout:     f,
		extractor:  x,
		summarizer: z,
		opts:       opts,
		mux:        http.NewServeMux(),
	}
	srv.routes()
	return srv
}

// Handler returns the root http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.opts.CORSOrigin, limitBody(jsonContent(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /api/conversations", s.handleListConversations)
	s.mux.HandleFunc("GET /api/prompts/{id}", s.handleGetPrompt)
	s.mux.HandleFunc("POST /api/prompts/{id}/extend", s.handleExtend)
	s.mux.HandleFunc("POST /api/prompts/{id}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /api/prompts/{id}/flag", s.handleFlag)
	s.mux.HandleFunc("POST /api/prompts/{id}/references", s.handleAddReference)
	s.mux.HandleFunc("POST /api/prompts/{id}/evaluation-tasks", s.handleCreateEvaluationTasks)

	s.mux.HandleFunc("GET /api/ranking-tasks/next", s.handleNextRankingTask)
	s.mux.HandleFunc("POST /api/ranking-tasks/{id}/ranking", s.handleSubmitRanking)
	s.mux.HandleFunc("POST /api/ranking-tasks/{id}/revision", s.handleSubmitRevision)

	s.mux.HandleFunc("GET /api/evaluation-tasks", s.handleEvaluationCounts)
	s.mux.HandleFunc("GET /api/evaluation-tasks/next", s.handleNextEvaluationTask)
	s.mux.HandleFunc("POST /api/evaluation-tasks/{id}/evaluations", s.handleSubmitEvaluation)

	s.mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// corsMiddleware sets CORS headers for the configured origin.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+userHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody restricts the request body to maxRequestBody bytes.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		next.ServeHTTP(w, r)
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Request and response helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors to HTTP statuses. Anything unexpected
// is logged and reported as a 500 with msg.
func writeStoreError(w http.ResponseWriter, err error, msg string) {
	var cd *worker.CooldownError
	switch {
	case errors.As(err, &cd):
		w.Header().Set("Retry-After", strconv.Itoa(int(cd.RetryAfter.Round(time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidPrompt), errors.Is(err, model.ErrInvalidRanking):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotAuthor):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrTaskCompleted), errors.Is(err, model.ErrTaskClaimed),
		errors.Is(err, model.ErrAlreadyEvaluated), errors.Is(err, model.ErrTaskSaturated),
		errors.Is(err, model.ErrRankingMissing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrCooldown):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		slog.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// requireUser returns the caller's id, writing a 401 when it is missing.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(userHeader))
	if user == "" {
		writeError(w, http.StatusUnauthorized, userHeader+" header is required")
		return "", false
	}
	return user, true
}

// language picks the first non-empty of the body value and the query
// parameter, falling back to the default language.
func (s *Server) language(r *http.Request, fromBody string) string {
	if l := strings.TrimSpace(fromBody); l != "" {
		return l
	}
	if l := strings.TrimSpace(r.URL.Query().Get("language")); l != "" {
		return l
	}
	return s.opts.DefaultLanguage
}
