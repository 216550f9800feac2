package engine

import "math/rand/v2"

const postfixLead = "Respond in the same language as the input above, but "

// PostfixCatalog holds the style instructions used to diversify completions.
// The first entry is the empty baseline.
var PostfixCatalog = []string{
	"",
	postfixLead + "make the response exceptionally short.",
	postfixLead + "make the response exceptionally funny.",
	postfixLead + "make the response exceptionally long and detailed.",
	postfixLead + "make the response exceptionally clear and well written.",
	postfixLead + "make the response written like it's a response for a five year old.",
	postfixLead + "use a formal and academic tone.",
	postfixLead + "write it as a poem or song lyrics.",
	postfixLead + "include three interesting facts related to the topic.",
	postfixLead + "write it as a dramatic monologue.",
	postfixLead + "explain it as if you're a time traveler from the year 3000.",
	postfixLead + "write it in the style of a famous author or historical figure.",
	postfixLead + "include a short story that illustrates the main point.",
	postfixLead + "frame it as a series of rhetorical questions.",
	postfixLead + "write it as a news article headline and brief summary.",
}

// PickPostfixes draws n style postfixes. Draws come from the non-empty
// catalog entries without replacement until those run out, then from the
// whole catalog, baseline included, with replacement.
func PickPostfixes(rng *rand.Rand, n int) []string {
	pool := PostfixCatalog[1:]
	picks := make([]string, 0, n)
	for _, i := range rng.Perm(len(pool)) {
		if len(picks) == n {
			return picks
		}
		picks = append(picks, pool[i])
	}
	for len(picks) < n {
		picks = append(picks, PostfixCatalog[rng.IntN(len(PostfixCatalog))])
	}
	return picks
}
