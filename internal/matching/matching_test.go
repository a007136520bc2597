package matching

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/config"
	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/pkg/anthropic"
)

func testIndex(t *testing.T) *capability.Index {
	t.Helper()
	idx, warnings := capability.NewIndex([]model.Facility{
		{ID: "f-print", Name: "Print Farm", Equipment: []model.Equipment{
			{ID: "mk4", Name: "Prusa MK4", Process: "3DP", Materials: []string{"PLA", "PETG"}},
		}},
		{ID: "f-cnc", Name: "Machine Shop", Equipment: []model.Equipment{
			{ID: "vf2", Name: "Haas VF2", Process: "CNC machining", Materials: []string{"aluminium"}},
		}},
		{ID: "f-laser", Name: "Cut Shop", Equipment: []model.Equipment{
			{ID: "co2", Name: "CO2 cutter", Process: "laser cutter", Materials: []string{"acrylic"}},
		}},
		{ID: "f-proto", Equipment: []model.Equipment{
			{Process: "Rapid prototyping"},
		}},
	}, nil)
	require.Empty(t, warnings)
	return idx
}

func TestDirectLayer(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)

	got, err := NewDirect().Match(context.Background(), model.Requirement{Process: "3DP"}, idx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-print", got[0].FacilityID)
	assert.Equal(t, "Print Farm", got[0].FacilityName)
	assert.Equal(t, DirectConfidence, got[0].Confidence)
	assert.Equal(t, model.MatchTypeDirect, got[0].MatchType)
	assert.Contains(t, got[0].Explanation, "Prusa MK4")

	// Equivalent identifiers hit the same provider.
	got, err = NewDirect().Match(context.Background(), model.Requirement{Process: "https://en.wikipedia.org/wiki/3D_printing"}, idx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = NewDirect().Match(context.Background(), model.Requirement{Material: "PLA"}, idx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHeuristicLayer(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)
	h := NewHeuristic(DefaultRules())

	tests := []struct {
		name     string
		req      model.Requirement
		facility string
		conf     float64
	}{
		{"pattern rule", model.Requirement{Process: "printed part"}, "f-print", 0.85},
		{"material rule", model.Requirement{Material: "PLA"}, "f-print", 0.8},
		{"taxonomy name in description", model.Requirement{Process: "housing", Description: "needs laser cutting of panels"}, "f-laser", aliasConfidence},
		{"taxonomy alias in description", model.Requirement{Process: "bracket", Description: "computer numerical control"}, "f-cnc", taxonomyTextConfidence},
		{"normalised equality", model.Requirement{Process: "rapid-prototyping"}, "f-proto", HeuristicCeiling},
		{"containment", model.Requirement{Process: "prototyping"}, "f-proto", containmentConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := h.Match(context.Background(), tt.req, idx)
			require.NoError(t, err)
			require.NotEmpty(t, got)
			found := false
			for _, c := range got {
				assert.Equal(t, model.MatchTypeHeuristic, c.MatchType)
				assert.LessOrEqual(t, c.Confidence, HeuristicCeiling)
				if c.FacilityID == tt.facility {
					found = true
					assert.InDelta(t, tt.conf, c.Confidence, 1e-9)
				}
			}
			assert.True(t, found, "expected %s among %v", tt.facility, got)
		})
	}
}

func TestAliasIsNeverDirect(t *testing.T) {
	t.Parallel()

	idx, warnings := capability.NewIndex([]model.Facility{
		{ID: "fdm-only", Name: "FDM Farm", Equipment: []model.Equipment{{ID: "mk4", Process: "FDM"}}},
	}, nil)
	require.Empty(t, warnings)
	req := model.Requirement{Process: "SLA"}

	got, err := NewDirect().Match(context.Background(), req, idx)
	require.NoError(t, err)
	assert.Empty(t, got)

	res := NewMatcher(DefaultOptions()).MatchDetailed(context.Background(), req, idx)
	require.NotEmpty(t, res.Candidates)
	for _, c := range res.Candidates {
		assert.NotEqual(t, model.MatchTypeDirect, c.MatchType)
		assert.LessOrEqual(t, c.Confidence, HeuristicCeiling)
	}
	assert.Equal(t, "fdm-only", res.Candidates[0].FacilityID)
	assert.Equal(t, model.MatchTypeHeuristic, res.Candidates[0].MatchType)
	assert.InDelta(t, aliasConfidence, res.Candidates[0].Confidence, 1e-9)
	assert.False(t, res.ThresholdMet)
}

func TestHeuristicNoMatch(t *testing.T) {
	t.Parallel()

	got, err := NewHeuristic(DefaultRules()).Match(context.Background(), model.Requirement{Process: "quantum_lithography"}, testIndex(t))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadRules(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
rules:
  - name: anodised
    pattern: '(?i)anodi[sz]ed'
    process: COAT
    confidence: 0.7
`), 0o644))
	rules, err := LoadRules(good)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].fires(model.Requirement{Description: "Anodized bracket"}))

	def, err := LoadRules("")
	require.NoError(t, err)
	assert.NotEmpty(t, def)

	for name, body := range map[string]string{
		"no-process.yaml": "rules:\n  - name: x\n    pattern: a\n",
		"no-pattern.yaml": "rules:\n  - name: x\n    process: CNC\n",
		"bad-regex.yaml":  "rules:\n  - name: x\n    pattern: '('\n    process: CNC\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadRules(path)
		assert.Error(t, err, name)
	}

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestTextSimilarity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var s TextSimilarity

	same, err := s.Similarity(ctx, "Laser cutting", "laser-cutting")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-9)

	none, err := s.Similarity(ctx, "quantum lithography", "")
	require.NoError(t, err)
	assert.Zero(t, none)

	near, _ := s.Similarity(ctx, "cnc milling", "cnc milling machine")
	far, _ := s.Similarity(ctx, "cnc milling", "fabric sewing")
	assert.Greater(t, near, far)
	assert.Less(t, far, DefaultNLPThreshold)
}

func TestNLPLayer(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)

	got, err := NewNLP(nil, 0).Match(context.Background(), model.Requirement{Process: "rapid prototyping"}, idx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-proto", got[0].FacilityID)
	assert.Equal(t, model.MatchTypeNLP, got[0].MatchType)
	assert.Greater(t, got[0].Confidence, 0.0)
	assert.LessOrEqual(t, got[0].Confidence, NLPCeiling)

	got, err = NewNLP(nil, 0).Match(context.Background(), model.Requirement{Process: "quantum_lithography"}, idx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type failingSimilarity struct{}

func (failingSimilarity) Similarity(context.Context, string, string) (float64, error) {
	return 0, errors.New("embedding service down")
}

func TestNLPLayerSimilarityError(t *testing.T) {
	t.Parallel()

	_, err := NewNLP(failingSimilarity{}, 0.5).Match(context.Background(), model.Requirement{Process: "x"}, testIndex(t))
	assert.ErrorContains(t, err, "embedding service down")
}

type mockReasoner struct {
	mock.Mock
}

func (m *mockReasoner) Assess(ctx context.Context, req model.Requirement, providers []capability.Provider) ([]Judgement, error) {
	args := m.Called(ctx, req, providers)
	j, _ := args.Get(0).([]Judgement)
	return j, args.Error(1)
}

func TestLLMLayer(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)

	r := &mockReasoner{}
	r.On("Assess", mock.Anything, mock.Anything, mock.Anything).Return([]Judgement{
		{FacilityID: "f-laser", Confidence: 0.95, Reason: "cuts acrylic"},
		{FacilityID: "ghost", Confidence: 0.9},
		{FacilityID: "f-cnc", Confidence: 0},
	}, nil)

	got, err := NewLLM(r, time.Second).Match(context.Background(), model.Requirement{Process: "engraved sign"}, idx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-laser", got[0].FacilityID)
	assert.Equal(t, LLMCeiling, got[0].Confidence)
	assert.Equal(t, model.MatchTypeLLM, got[0].MatchType)
	assert.Equal(t, "cuts acrylic", got[0].Explanation)
	r.AssertExpectations(t)
}

type slowReasoner struct{}

func (slowReasoner) Assess(ctx context.Context, _ model.Requirement, _ []capability.Provider) ([]Judgement, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestLLMLayerTimeout(t *testing.T) {
	t.Parallel()

	_, err := NewLLM(slowReasoner{}, 20*time.Millisecond).Match(context.Background(), model.Requirement{Process: "x"}, testIndex(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	_, err = NewLLM(nil, 0).Match(context.Background(), model.Requirement{Process: "x"}, testIndex(t))
	assert.ErrorContains(t, err, "no reasoner")
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*anthropic.MessageResponse)
	return resp, args.Error(1)
}

func TestAnthropicReasoner(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)

	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "test-model" && len(req.Messages) == 1 &&
			req.Messages[0].Role == "user" && req.System != "" && req.CacheSystem
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "Sure:\n[{\"facility_id\":\"f-print\",\"confidence\":0.6,\"reason\":\"FDM printers\"}]"}},
		Usage:   anthropic.TokenUsage{InputTokens: 120, OutputTokens: 30},
	}, nil)

	a := NewAnthropicReasoner(client, "test-model", 0)
	got, err := a.Assess(context.Background(), model.Requirement{Process: "3DP", Material: "PLA"}, idx.Providers())
	require.NoError(t, err)
	assert.Equal(t, []Judgement{{FacilityID: "f-print", Confidence: 0.6, Reason: "FDM printers"}}, got)
	client.AssertExpectations(t)

	usage, calls := a.Usage()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(150), usage.InputTokens+usage.OutputTokens)
}

func TestAnthropicReasonerErrors(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded")).Once()
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "I cannot help"}},
	}, nil).Once()

	a := NewAnthropicReasoner(client, "m", 256)
	_, err := a.Assess(context.Background(), model.Requirement{Process: "x"}, nil)
	assert.ErrorContains(t, err, "overloaded")
	_, err = a.Assess(context.Background(), model.Requirement{Process: "x"}, nil)
	assert.ErrorContains(t, err, "no JSON array")
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	p := buildPrompt(model.Requirement{Process: "3DP", Material: "PLA", Description: "bracket"}, testIndex(t).Providers())
	assert.Contains(t, p, "process: 3DP")
	assert.Contains(t, p, "material: PLA")
	assert.Contains(t, p, "facility_id: f-print, equipment: Prusa MK4")
	assert.Contains(t, p, "materials: PLA/PETG")
}

// stubLayer returns fixed results.
type stubLayer struct {
	kind  model.MatchType
	cands []model.CandidateMatch
	err   error
	calls int
}

func (s *stubLayer) Kind() model.MatchType { return s.kind }

func (s *stubLayer) Match(context.Context, model.Requirement, *capability.Index) ([]model.CandidateMatch, error) {
	s.calls++
	return s.cands, s.err
}

func cand(facility string, conf float64, kind model.MatchType) model.CandidateMatch {
	return model.CandidateMatch{FacilityID: facility, Confidence: conf, MatchType: kind}
}

func TestMatcherProgressiveStop(t *testing.T) {
	t.Parallel()
	idx := testIndex(t)

	m := NewMatcher(DefaultOptions())
	assert.Equal(t, []model.MatchType{model.MatchTypeDirect, model.MatchTypeHeuristic, model.MatchTypeNLP}, m.Layers())

	res := m.MatchDetailed(context.Background(), model.Requirement{Process: "3DP"}, idx)
	assert.Equal(t, []model.MatchType{model.MatchTypeDirect}, res.LayersRun)
	assert.True(t, res.ThresholdMet)
	assert.Equal(t, model.MatchTypeDirect, res.MatchType)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "f-print", res.Candidates[0].FacilityID)

	res = m.MatchDetailed(context.Background(), model.Requirement{Process: "printed part"}, idx)
	assert.Equal(t, []model.MatchType{model.MatchTypeDirect, model.MatchTypeHeuristic}, res.LayersRun)
	assert.Equal(t, model.MatchTypeHeuristic, res.MatchType)
}

func TestMatcherNoMatchIsData(t *testing.T) {
	t.Parallel()

	res := NewMatcher(DefaultOptions()).MatchDetailed(context.Background(), model.Requirement{Process: "quantum_lithography"}, testIndex(t))
	assert.NotNil(t, res.Candidates)
	assert.Empty(t, res.Candidates)
	assert.Equal(t, model.MatchTypeUnknown, res.MatchType)
	assert.False(t, res.ThresholdMet)
	assert.Len(t, res.LayersRun, 3)

	empty := NewMatcher(DefaultOptions()).MatchDetailed(context.Background(), model.Requirement{}, testIndex(t))
	assert.Empty(t, empty.Candidates)
	assert.Empty(t, empty.LayersRun)
	assert.NotEmpty(t, empty.Notes)
}

func TestMatcherMergeKeepsEarlierOnTie(t *testing.T) {
	t.Parallel()

	direct := &stubLayer{kind: model.MatchTypeDirect, cands: []model.CandidateMatch{cand("a", 0.7, model.MatchTypeDirect)}}
	heur := &stubLayer{kind: model.MatchTypeHeuristic, cands: []model.CandidateMatch{
		cand("a", 0.7, model.MatchTypeHeuristic),
		cand("b", 0.75, model.MatchTypeHeuristic),
	}}
	nlp := &stubLayer{kind: model.MatchTypeNLP, cands: []model.CandidateMatch{
		cand("a", 0.5, model.MatchTypeNLP),
		cand("c", 0.7, model.MatchTypeNLP),
	}}

	m := newMatcher(Options{MinConfidence: 0.9}, []Layer{direct, heur, nlp})
	res := m.MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)

	require.Len(t, res.Candidates, 3)
	assert.Equal(t, cand("b", 0.75, model.MatchTypeHeuristic), res.Candidates[0])
	assert.Equal(t, cand("a", 0.7, model.MatchTypeDirect), res.Candidates[1])
	assert.Equal(t, cand("c", 0.7, model.MatchTypeNLP), res.Candidates[2])
	assert.Equal(t, model.MatchTypeHeuristic, res.MatchType)
	assert.False(t, res.ThresholdMet)
}

func TestMatcherLayerFailureDegrades(t *testing.T) {
	t.Parallel()

	broken := &stubLayer{kind: model.MatchTypeLLM, err: errors.New("timeout")}
	nlp := &stubLayer{kind: model.MatchTypeNLP, cands: []model.CandidateMatch{cand("a", 0.6, model.MatchTypeNLP)}}

	m := newMatcher(Options{MinConfidence: 0.8}, []Layer{nlp, broken})
	res := m.MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, []model.MatchType{model.MatchTypeNLP, model.MatchTypeLLM}, res.LayersRun)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "llm layer failed: timeout")
}

func TestMatcherForceAllLayers(t *testing.T) {
	t.Parallel()

	direct := &stubLayer{kind: model.MatchTypeDirect, cands: []model.CandidateMatch{cand("a", 1, model.MatchTypeDirect)}}
	heur := &stubLayer{kind: model.MatchTypeHeuristic, cands: []model.CandidateMatch{cand("b", 0.8, model.MatchTypeHeuristic)}}

	m := newMatcher(Options{MinConfidence: 0.8}, []Layer{direct, heur})
	res := m.MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)
	assert.Len(t, res.Candidates, 1)
	assert.Equal(t, 0, heur.calls)

	m = newMatcher(Options{MinConfidence: 0.8, ForceAllLayers: true}, []Layer{direct, heur})
	res = m.MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)
	assert.Len(t, res.Candidates, 2)
	assert.Equal(t, 1, heur.calls)
	assert.True(t, res.ThresholdMet)
	assert.Equal(t, model.MatchTypeDirect, res.MatchType)
}

func TestMatcherMaxCandidates(t *testing.T) {
	t.Parallel()

	var cands []model.CandidateMatch
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		cands = append(cands, cand(id, 0.5, model.MatchTypeNLP))
	}
	layer := &stubLayer{kind: model.MatchTypeNLP, cands: cands}

	res := newMatcher(Options{MinConfidence: 0.8}, []Layer{layer}).MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)
	require.Len(t, res.Candidates, defaultMaxResults)
	assert.Equal(t, "a", res.Candidates[0].FacilityID)

	res = newMatcher(Options{MinConfidence: 0.8, MaxCandidates: 2}, []Layer{layer}).MatchDetailed(context.Background(), model.Requirement{Process: "p"}, nil)
	assert.Len(t, res.Candidates, 2)
}

func TestMatcherCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	layer := &stubLayer{kind: model.MatchTypeDirect, cands: []model.CandidateMatch{cand("a", 1, model.MatchTypeDirect)}}

	res := newMatcher(Options{MinConfidence: 0.8}, []Layer{layer}).MatchDetailed(ctx, model.Requirement{Process: "p"}, nil)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, res.LayersRun)
	assert.Equal(t, 0, layer.calls)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	opts := OptionsFromConfig(config.MatchingConfig{
		UseDirect: true, UseLLM: true, MinConfidence: 0.7, MaxCandidates: 3, LLMTimeoutSecs: 12,
	})
	assert.True(t, opts.UseDirect)
	assert.False(t, opts.UseNLP)
	assert.Equal(t, 12*time.Second, opts.LLMTimeout)

	opts.Reasoner = &mockReasoner{}
	m := NewMatcher(opts)
	assert.Equal(t, []model.MatchType{model.MatchTypeDirect, model.MatchTypeLLM}, m.Layers())
}
