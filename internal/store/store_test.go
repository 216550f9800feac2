package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func seedRoot(t *testing.T, s *Store, id, lang, author string) model.Prompt {
	t.Helper()
	p := model.NewHumanPrompt(id, nil, "prompt "+id, lang, author)
	require.NoError(t, s.CreatePrompt(context.Background(), p))
	return p
}

func seedCompletions(t *testing.T, s *Store, parent model.Prompt, ids ...string) {
	t.Helper()
	for _, id := range ids {
		c := model.NewCompletion(id, &parent, "answer "+id, "", "stub")
		require.NoError(t, s.CreatePrompt(context.Background(), c))
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := New(s.db)
	require.NoError(t, err)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}

func TestCreateAndGetPrompt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := seedRoot(t, s, "root", "is", "u1")

	got, err := s.GetPrompt(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, root.Text, got.Text)
	assert.Equal(t, "is", got.Language)
	assert.Nil(t, got.ParentID)
	require.NotNil(t, got.AuthorID)
	assert.Equal(t, "u1", *got.AuthorID)
	assert.WithinDuration(t, root.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestGetPrompt_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPrompt(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCreatePrompt_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.CreatePrompt(context.Background(), model.Prompt{ID: "x", IsSynthetic: true})
	assert.ErrorIs(t, err, model.ErrInvalidPrompt)
}

func TestListChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := seedRoot(t, s, "root", "en", "u1")
	seedCompletions(t, s, root, "c1", "c2")
	human := model.NewHumanPrompt("h1", &root.ID, "follow up", "en", "u2")
	require.NoError(t, s.CreatePrompt(ctx, human))

	all, err := s.ListChildren(ctx, "root", AllChildren)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "h1", all[0].ID, "newest first")

	synth, err := s.ListChildren(ctx, "root", SyntheticChildren)
	require.NoError(t, err)
	assert.Len(t, synth, 2)

	humans, err := s.ListChildren(ctx, "root", HumanChildren)
	require.NoError(t, err)
	require.Len(t, humans, 1)
	assert.Equal(t, "h1", humans[0].ID)
}

func TestFlagForConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRoot(t, s, "root", "en", "u1")

	require.NoError(t, s.FlagForConversation(ctx, "root"))
	got, err := s.GetPrompt(ctx, "root")
	require.NoError(t, err)
	assert.True(t, got.FlaggedForConversation)

	assert.ErrorIs(t, s.FlagForConversation(ctx, "missing"), model.ErrNotFound)
}

func TestListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRoot(t, s, "a", "en", "alice")
	seedRoot(t, s, "b", "en", "bob")
	seedRoot(t, s, "c", "is", "carol")
	seedCompletions(t, s, a, "a1")

	all, err := s.ListConversations(ctx, model.ConversationFilter{Language: "en"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListConversations(ctx, model.ConversationFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a", mine[0].ID)

	// Bob replies under alice's conversation and so takes part in it.
	reply := model.NewHumanPrompt("r", &a.ID, "reply", "en", "bob")
	require.NoError(t, s.CreatePrompt(ctx, reply))
	bobs, err := s.ListConversations(ctx, model.ConversationFilter{UserID: "bob"})
	require.NoError(t, err)
	ids := []string{}
	for _, p := range bobs {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b", "r"}, ids)
}

func TestReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRoot(t, s, "root", "en", "u1")

	for i, text := range []string{"first", "second"} {
		require.NoError(t, s.CreateReference(ctx, model.Reference{
			ID: string(rune('a' + i)), PromptID: "root", Text: text, CreatedAt: time.Now().UTC(),
		}))
	}
	refs, err := s.ListReferences(ctx, "root")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "first", refs[0].Text)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Store) error {
		require.NoError(t, tx.CreatePrompt(ctx, model.NewHumanPrompt("root", nil, "x", "en", "u")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetPrompt(ctx, "root")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx *Store) error {
			_ = tx.CreatePrompt(ctx, model.NewHumanPrompt("root", nil, "x", "en", "u"))
			panic("generator exploded")
		})
	})

	_, err := s.GetPrompt(ctx, "root")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
