package matching

import (
	"context"
	"fmt"
	"strings"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/model"
)

// DefaultNLPThreshold is the minimum similarity the NLP layer reports.
const DefaultNLPThreshold = 0.45

// Similarity scores the textual similarity of two descriptions in [0, 1].
// Implementations backed by an embedding service may block and fail.
type Similarity interface {
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// TextSimilarity blends token Jaccard overlap with character trigram Dice
// overlap over folded text. It needs no external service.
type TextSimilarity struct{}

// Similarity implements Similarity.
func (TextSimilarity) Similarity(_ context.Context, a, b string) (float64, error) {
	ta, tb := capability.Tokens(a), capability.Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0, nil
	}
	return 0.5*jaccard(ta, tb) + 0.5*trigramDice(strings.Join(ta, " "), strings.Join(tb, " ")), nil
}

func jaccard(a, b []string) float64 {
	set := make(map[string]uint8, len(a)+len(b))
	for _, t := range a {
		set[t] |= 1
	}
	for _, t := range b {
		set[t] |= 2
	}
	var both int
	for _, v := range set {
		if v == 3 {
			both++
		}
	}
	return float64(both) / float64(len(set))
}

func trigrams(s string) map[string]int {
	padded := []rune("  " + s + " ")
	out := make(map[string]int, len(padded))
	for i := 0; i+3 <= len(padded); i++ {
		out[string(padded[i:i+3])]++
	}
	return out
}

func trigramDice(a, b string) float64 {
	ga, gb := trigrams(a), trigrams(b)
	var shared, total int
	for g, n := range ga {
		total += n
		shared += min(n, gb[g])
	}
	for _, n := range gb {
		total += n
	}
	if total == 0 {
		return 0
	}
	return 2 * float64(shared) / float64(total)
}

// NLP scores every provider by textual similarity to the requirement.
type NLP struct {
	sim       Similarity
	threshold float64
}

// NewNLP builds the layer. A nil Similarity selects TextSimilarity; a
// non-positive threshold selects DefaultNLPThreshold.
func NewNLP(sim Similarity, threshold float64) *NLP {
	if sim == nil {
		sim = TextSimilarity{}
	}
	if threshold <= 0 {
		threshold = DefaultNLPThreshold
	}
	return &NLP{sim: sim, threshold: threshold}
}

// Kind implements Layer.
func (*NLP) Kind() model.MatchType { return model.MatchTypeNLP }

// Match implements Layer.
func (n *NLP) Match(ctx context.Context, req model.Requirement, idx *capability.Index) ([]model.CandidateMatch, error) {
	query := requirementText(req, idx.Taxonomy())
	if query == "" {
		return nil, nil
	}

	c := newCollector(model.MatchTypeNLP)
	for _, p := range idx.Providers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := n.sim.Similarity(ctx, query, providerText(p, idx.Taxonomy()))
		if err != nil {
			return nil, err
		}
		if score < n.threshold {
			continue
		}
		c.add(p, clamp(score*NLPCeiling, NLPCeiling), fmt.Sprintf("text similarity %.2f with %s", score, equipmentName(p)))
	}
	return c.result(), nil
}

func requirementText(req model.Requirement, tax *capability.Taxonomy) string {
	parts := []string{req.Text()}
	if uri, _, ok := tax.Resolve(req.Process); ok {
		parts = append(parts, tax.Label(uri))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func providerText(p capability.Provider, tax *capability.Taxonomy) string {
	label := tax.Label(p.Process)
	if uri, viaAlias, ok := tax.Resolve(p.Raw); ok && viaAlias {
		label = tax.Label(uri)
	}
	parts := []string{p.Raw, label, p.Equipment, p.Description}
	parts = append(parts, p.Materials...)
	return strings.Join(parts, " ")
}
