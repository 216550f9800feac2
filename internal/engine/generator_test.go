package engine

import (
	"context"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/crowdrank/internal/model"
	"github.com/yangwenmai/crowdrank/internal/store"
)

func newTestGenerator(s *store.Store, c ModelClient) *Generator {
	return NewGenerator(s, NewResponder(c, nil), rand.New(rand.NewPCG(1, 2)))
}

func TestGenerate_FreshPromptYieldsEight(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "Segðu mér brandara")
	client := &fakeClient{fn: always("ok")}

	got, err := newTestGenerator(s, client).Generate(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, got, CompletionsPerPrompt)

	empty := 0
	postfixes := map[string]bool{}
	for _, c := range got {
		assert.Equal(t, "ok", c.Text)
		assert.True(t, c.IsSynthetic)
		assert.Equal(t, "root", *c.ParentID)
		assert.Equal(t, "is", c.Language)
		assert.Equal(t, "fake", c.ModelUsed)
		if c.Postfix == "" {
			empty++
		}
		assert.False(t, postfixes[c.Postfix], "postfix %q used twice", c.Postfix)
		postfixes[c.Postfix] = true
	}
	assert.Equal(t, 1, empty)

	stored, err := s.ListChildren(context.Background(), "root", store.SyntheticChildren)
	require.NoError(t, err)
	assert.Len(t, stored, CompletionsPerPrompt)
}

func TestGenerate_BaselineRunsFirstAndAlone(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "hello")
	client := &fakeClient{fn: always("ok")}

	_, err := newTestGenerator(s, client).Generate(context.Background(), root)
	require.NoError(t, err)

	calls := client.recorded()
	require.Len(t, calls, CompletionsPerPrompt)
	assert.Equal(t, model.RoleUser, lastRole(calls[0]), "first call carries no style postfix")
	for _, turns := range calls[1:] {
		assert.Equal(t, model.RoleSystem, lastRole(turns))
	}
}

func TestGenerate_FailuresAreIsolated(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "hello")
	client := &fakeClient{fn: func(call int, _ []model.Turn) (string, error) {
		if call < 6 {
			return "", errModelDown
		}
		return "survivor", nil
	}}

	got, err := newTestGenerator(s, client).Generate(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGenerate_PanicIsRecovered(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "hello")
	client := &fakeClient{fn: func(call int, _ []model.Turn) (string, error) {
		if call == 3 {
			panic("provider bug")
		}
		return "ok", nil
	}}

	got, err := newTestGenerator(s, client).Generate(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, got, CompletionsPerPrompt-1)
}

func TestGenerate_BlankCompletionsDiscarded(t *testing.T) {
	s := newTestStore(t)
	root := seedRoot(t, s, "hello")
	client := &fakeClient{fn: always("  \n ")}

	got, err := newTestGenerator(s, client).Generate(context.Background(), root)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGenerate_ExtensionAddsBaselineToEightStyled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := seedRoot(t, s, "hello")
	c := model.NewCompletion("c1", root, "hi there", "", "fake")
	require.NoError(t, s.CreatePrompt(ctx, c))
	ext := model.NewHumanPrompt("ext", &c.ID, "tell me more", "is", "bob")
	require.NoError(t, s.CreatePrompt(ctx, ext))

	client := &fakeClient{fn: always("more")}
	got, err := newTestGenerator(s, client).Generate(ctx, &ext)
	require.NoError(t, err)
	assert.Len(t, got, extensionParallel+1)

	calls := client.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, []model.Turn{
		{Role: model.RoleUser, Content: "hello"},
		{Role: model.RoleAssistant, Content: "hi there"},
		{Role: model.RoleUser, Content: "tell me more"},
	}, calls[0])
}

func TestGenerate_ReferencesReachLastUserTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := seedRoot(t, s, "what is this?")
	require.NoError(t, s.CreateReference(ctx, model.Reference{
		ID: "ref1", PromptID: "root", Text: "Ref one", CreatedAt: time.Now().UTC(),
	}))

	client := &fakeClient{fn: always("ok")}
	_, err := newTestGenerator(s, client).Generate(ctx, root)
	require.NoError(t, err)

	for _, turns := range client.recorded() {
		require.NotEmpty(t, turns)
		assert.True(t, strings.HasSuffix(turns[0].Content, "\n\nReferences:\nRef one"))
	}
}

func TestGenerate_MissingPrompt(t *testing.T) {
	s := newTestStore(t)
	ghost := model.NewHumanPrompt("ghost", nil, "?", "en", "u")
	_, err := newTestGenerator(s, &fakeClient{fn: always("ok")}).Generate(context.Background(), &ghost)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
