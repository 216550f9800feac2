package engine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/yangwenmai/crowdrank/internal/model"
)

func rngFrom(t *rapid.T) *rand.Rand {
	return rand.New(rand.NewPCG(rapid.Uint64().Draw(t, "seed1"), rapid.Uint64().Draw(t, "seed2")))
}

func TestPickPostfixes_Properties(t *testing.T) {
	catalog := make(map[string]bool)
	for _, p := range PostfixCatalog {
		catalog[p] = true
	}
	styled := len(PostfixCatalog) - 1

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		picks := PickPostfixes(rngFrom(t), n)

		if len(picks) != n {
			t.Fatalf("got %d picks, want %d", len(picks), n)
		}
		seen := make(map[string]bool)
		for i, p := range picks {
			if !catalog[p] {
				t.Fatalf("pick %q is not in the catalog", p)
			}
			if i >= styled {
				continue
			}
			if p == "" {
				t.Fatalf("baseline drawn at %d before styled entries ran out", i)
			}
			if seen[p] {
				t.Fatalf("postfix %q repeated before the catalog was exhausted", p)
			}
			seen[p] = true
		}
	})
}

func TestPickPostfixes_ExhaustedCatalogIncludesBaseline(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	picks := PickPostfixes(rng, len(PostfixCatalog)-1+1000)
	assert.Contains(t, picks[len(PostfixCatalog)-1:], "")
}

func TestSampleRankingGroups_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pool := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 0, 20, rapid.ID[string]).Draw(t, "pool")
		// Repeat some ids to exercise deduplication.
		ids := append([]string(nil), pool...)
		if len(pool) > 0 {
			dups := rapid.IntRange(0, 5).Draw(t, "dups")
			for i := 0; i < dups; i++ {
				ids = append(ids, pool[rapid.IntRange(0, len(pool)-1).Draw(t, "dup")])
			}
		}

		groups := SampleRankingGroups(rngFrom(t), ids)

		want := 0
		if len(pool) >= model.RankingSize {
			want = min(MaxRankingTasks, len(pool)/model.RankingSize)
		}
		if len(groups) != want {
			t.Fatalf("got %d groups for %d unique ids, want %d", len(groups), len(pool), want)
		}

		inPool := make(map[string]bool)
		for _, id := range pool {
			inPool[id] = true
		}
		for _, g := range groups {
			if len(g) != model.RankingSize {
				t.Fatalf("group size %d", len(g))
			}
			distinct := make(map[string]bool)
			for _, id := range g {
				if !inPool[id] {
					t.Fatalf("id %q not among candidates", id)
				}
				if distinct[id] {
					t.Fatalf("id %q repeated within a group", id)
				}
				distinct[id] = true
			}
		}
	})
}
