package matching

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/config"
	"github.com/sells-group/supplytree/internal/model"
)

// Options selects layers and tunes the progressive cascade.
type Options struct {
	UseDirect      bool
	UseHeuristic   bool
	UseNLP         bool
	UseLLM         bool
	MinConfidence  float64
	ForceAllLayers bool
	MaxCandidates  int
	NLPThreshold   float64
	LLMTimeout     time.Duration

	Rules      []Rule     // nil selects DefaultRules
	Similarity Similarity // nil selects TextSimilarity
	Reasoner   Reasoner   // required when UseLLM is set
}

// DefaultOptions enables every deterministic layer and leaves LLM off.
func DefaultOptions() Options {
	return Options{
		UseDirect:     true,
		UseHeuristic:  true,
		UseNLP:        true,
		MinConfidence: 0.8,
		MaxCandidates: defaultMaxResults,
		NLPThreshold:  DefaultNLPThreshold,
		LLMTimeout:    DefaultLLMTimeout,
	}
}

// OptionsFromConfig maps the matching config section onto Options. Rules,
// Similarity and Reasoner are left for the caller to wire.
func OptionsFromConfig(cfg config.MatchingConfig) Options {
	return Options{
		UseDirect:      cfg.UseDirect,
		UseHeuristic:   cfg.UseHeuristic,
		UseNLP:         cfg.UseNLP,
		UseLLM:         cfg.UseLLM,
		MinConfidence:  cfg.MinConfidence,
		ForceAllLayers: cfg.ForceAllLayers,
		MaxCandidates:  cfg.MaxCandidates,
		NLPThreshold:   cfg.NLPThreshold,
		LLMTimeout:     time.Duration(cfg.LLMTimeoutSecs) * time.Second,
	}
}

// Result is the detailed outcome of matching one requirement.
type Result struct {
	Candidates   []model.CandidateMatch `json:"candidates"`
	MatchType    model.MatchType        `json:"match_type"`
	LayersRun    []model.MatchType      `json:"layers_run"`
	Notes        []string               `json:"notes,omitempty"`
	ThresholdMet bool                   `json:"threshold_met"`
}

// Best returns the top candidate, if any.
func (r Result) Best() (model.CandidateMatch, bool) {
	if len(r.Candidates) == 0 {
		return model.CandidateMatch{}, false
	}
	return r.Candidates[0], true
}

// Matcher runs the enabled layers in order Direct, Heuristic, NLP, LLM and
// stops once the accumulated best confidence reaches MinConfidence.
// It is safe for concurrent use.
type Matcher struct {
	opts   Options
	layers []Layer
}

// NewMatcher builds a matcher from opts.
func NewMatcher(opts Options) *Matcher {
	var layers []Layer
	if opts.UseDirect {
		layers = append(layers, NewDirect())
	}
	if opts.UseHeuristic {
		rules := opts.Rules
		if rules == nil {
			rules = DefaultRules()
		}
		layers = append(layers, NewHeuristic(rules))
	}
	if opts.UseNLP {
		layers = append(layers, NewNLP(opts.Similarity, opts.NLPThreshold))
	}
	if opts.UseLLM {
		layers = append(layers, NewLLM(opts.Reasoner, opts.LLMTimeout))
	}
	return newMatcher(opts, layers)
}

func newMatcher(opts Options, layers []Layer) *Matcher {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = defaultMaxResults
	}
	return &Matcher{opts: opts, layers: layers}
}

// Layers returns the kinds of the enabled layers in execution order.
func (m *Matcher) Layers() []model.MatchType {
	out := make([]model.MatchType, len(m.layers))
	for i, l := range m.layers {
		out[i] = l.Kind()
	}
	return out
}

// Match returns the ranked candidates for req. No match yields an empty slice.
func (m *Matcher) Match(ctx context.Context, req model.Requirement, idx *capability.Index) []model.CandidateMatch {
	return m.MatchDetailed(ctx, req, idx).Candidates
}

// MatchDetailed runs the cascade and reports which layers ran and why any
// were skipped or failed. Layer failures never abort the match.
func (m *Matcher) MatchDetailed(ctx context.Context, req model.Requirement, idx *capability.Index) Result {
	res := Result{Candidates: []model.CandidateMatch{}, MatchType: model.MatchTypeUnknown}
	if req.IsEmpty() {
		res.Notes = append(res.Notes, "requirement names neither a process nor a material")
		return res
	}

	merged := make(map[string]model.CandidateMatch)
	var order []string
	best := 0.0

	for _, layer := range m.layers {
		if err := ctx.Err(); err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("stopped before %s: %v", layer.Kind(), err))
			break
		}
		res.LayersRun = append(res.LayersRun, layer.Kind())

		cands, err := layer.Match(ctx, req, idx)
		if err != nil {
			zap.L().Warn("matching: layer failed",
				zap.String("layer", string(layer.Kind())),
				zap.String("requirement", req.Key()),
				zap.Error(err),
			)
			res.Notes = append(res.Notes, fmt.Sprintf("%s layer failed: %v", layer.Kind(), err))
			continue
		}

		for _, c := range cands {
			prev, seen := merged[c.FacilityID]
			if !seen {
				order = append(order, c.FacilityID)
			}
			// Ties keep the earlier, more deterministic layer.
			if !seen || c.Confidence > prev.Confidence {
				merged[c.FacilityID] = c
			}
			best = max(best, c.Confidence)
		}

		if !m.opts.ForceAllLayers && len(merged) > 0 && best >= m.opts.MinConfidence {
			break
		}
	}

	res.ThresholdMet = len(merged) > 0 && best >= m.opts.MinConfidence

	for _, id := range order {
		res.Candidates = append(res.Candidates, merged[id])
	}
	slices.SortStableFunc(res.Candidates, func(a, b model.CandidateMatch) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.MatchType.Rank(), b.MatchType.Rank())
	})
	if len(res.Candidates) > m.opts.MaxCandidates {
		res.Candidates = res.Candidates[:m.opts.MaxCandidates]
	}
	if len(res.Candidates) > 0 {
		res.MatchType = res.Candidates[0].MatchType
	}

	zap.L().Debug("matching: requirement matched",
		zap.String("requirement", req.Key()),
		zap.Int("candidates", len(res.Candidates)),
		zap.String("match_type", string(res.MatchType)),
		zap.Bool("threshold_met", res.ThresholdMet),
	)
	return res
}
