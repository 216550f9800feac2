package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func seedRoot(t *testing.T, s *store.Store, text string) *model.Prompt {
	t.Helper()
	p := model.NewHumanPrompt("root", nil, text, "is", "alice")
	require.NoError(t, s.CreatePrompt(context.Background(), p))
	return &p
}

// fakeClient records every call and answers through fn.
type fakeClient struct {
	mu    sync.Mutex
	calls [][]model.Turn
	fn    func(call int, turns []model.Turn) (string, error)
}

func (f *fakeClient) Model() string { return "fake" }

func (f *fakeClient) Complete(_ context.Context, turns []model.Turn) (string, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, turns)
	f.mu.Unlock()
	return f.fn(call, turns)
}

func (f *fakeClient) recorded() [][]model.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.Turn(nil), f.calls...)
}

func always(text string) func(int, []model.Turn) (string, error) {
	return func(int, []model.Turn) (string, error) { return text, nil }
}

var errModelDown = errors.New("model unavailable")

func lastRole(turns []model.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	return turns[len(turns)-1].Role
}
