// Package matching resolves a single requirement against the capability index
// through an ordered chain of matching layers.
package matching

import (
	"context"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/model"
)

// Confidence ceilings per layer. A layer never reports more than its ceiling,
// which keeps Direct ≥ Heuristic ≥ NLP ≥ LLM.
const (
	DirectConfidence  = 1.0
	HeuristicCeiling  = 0.85
	NLPCeiling        = 0.75
	LLMCeiling        = 0.7
	defaultMaxResults = 5
)

// Layer is one matching strategy. Implementations must be safe for
// concurrent use; the orchestrator calls Match from several goroutines.
type Layer interface {
	Kind() model.MatchType
	Match(ctx context.Context, req model.Requirement, idx *capability.Index) ([]model.CandidateMatch, error)
}

// clamp limits a confidence into [0, ceiling].
func clamp(conf, ceiling float64) float64 {
	switch {
	case conf < 0:
		return 0
	case conf > ceiling:
		return ceiling
	default:
		return conf
	}
}

// collector keeps the best candidate per facility for one layer run.
type collector struct {
	kind  model.MatchType
	order []string
	best  map[string]model.CandidateMatch
}

func newCollector(kind model.MatchType) *collector {
	return &collector{kind: kind, best: make(map[string]model.CandidateMatch)}
}

func (c *collector) add(p capability.Provider, conf float64, explanation string) {
	prev, seen := c.best[p.FacilityID]
	if seen && prev.Confidence >= conf {
		return
	}
	if !seen {
		c.order = append(c.order, p.FacilityID)
	}
	c.best[p.FacilityID] = model.CandidateMatch{
		FacilityID:   p.FacilityID,
		FacilityName: p.FacilityName,
		Process:      p.Process,
		Confidence:   conf,
		MatchType:    c.kind,
		Explanation:  explanation,
	}
}

func (c *collector) result() []model.CandidateMatch {
	out := make([]model.CandidateMatch, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.best[id])
	}
	return out
}
