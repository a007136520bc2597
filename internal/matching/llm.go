package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/resilience"
	"github.com/sells-group/supplytree/pkg/anthropic"
)

const (
	// DefaultLLMTimeout bounds one reasoning call including retries.
	DefaultLLMTimeout  = 30 * time.Second
	maxPromptProviders = 60
)

// Judgement is a reasoner's verdict on one facility.
type Judgement struct {
	FacilityID string  `json:"facility_id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Reasoner judges which providers can satisfy a requirement. It is the
// external reasoning collaborator behind the LLM layer.
type Reasoner interface {
	Assess(ctx context.Context, req model.Requirement, providers []capability.Provider) ([]Judgement, error)
}

// LLM asks a Reasoner to judge the provider pool. Calls run under a Guard so
// a slow or failing reasoner degrades to an error the matcher records.
type LLM struct {
	reasoner Reasoner
	guard    resilience.Guard
}

// NewLLM builds the layer. A zero timeout selects DefaultLLMTimeout.
func NewLLM(r Reasoner, timeout time.Duration) *LLM {
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	cb := resilience.DefaultCircuitBreakerConfig()
	cb.Name = "llm"
	cb.ShouldTrip = resilience.IsTransient
	return &LLM{
		reasoner: r,
		guard: resilience.Guard{
			Timeout: timeout,
			Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2},
			Breaker: resilience.NewCircuitBreaker(cb),
		},
	}
}

// Kind implements Layer.
func (*LLM) Kind() model.MatchType { return model.MatchTypeLLM }

// Match implements Layer.
func (l *LLM) Match(ctx context.Context, req model.Requirement, idx *capability.Index) ([]model.CandidateMatch, error) {
	if l.reasoner == nil {
		return nil, eris.New("matching: llm layer has no reasoner")
	}
	providers := idx.Providers()
	if len(providers) == 0 {
		return nil, nil
	}
	if len(providers) > maxPromptProviders {
		providers = providers[:maxPromptProviders]
	}

	judgements, err := resilience.Call(ctx, l.guard, func(ctx context.Context) ([]Judgement, error) {
		return l.reasoner.Assess(ctx, req, providers)
	})
	if err != nil {
		return nil, eris.Wrap(err, "matching: llm assess")
	}

	byFacility := make(map[string]capability.Provider, len(providers))
	for _, p := range providers {
		if _, ok := byFacility[p.FacilityID]; !ok {
			byFacility[p.FacilityID] = p
		}
	}

	c := newCollector(model.MatchTypeLLM)
	for _, j := range judgements {
		p, ok := byFacility[j.FacilityID]
		if !ok || j.Confidence <= 0 {
			continue
		}
		why := j.Reason
		if why == "" {
			why = "judged capable by reasoner"
		}
		c.add(p, clamp(j.Confidence, LLMCeiling), why)
	}
	return c.result(), nil
}

const reasonerSystemPrompt = `You match manufacturing requirements to facilities.
Reply with only a JSON array. Each element is {"facility_id": string, "confidence": number between 0 and 1, "reason": string}.
Include only facilities whose equipment can plausibly perform the requirement. Reply [] when none can.`

// AnthropicReasoner is the Reasoner backed by the Anthropic messages API.
type AnthropicReasoner struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	usage     anthropic.Meter
}

// NewAnthropicReasoner returns a reasoner using model on client.
func NewAnthropicReasoner(client anthropic.Client, model string, maxTokens int64) *AnthropicReasoner {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicReasoner{client: client, model: model, maxTokens: maxTokens}
}

// Assess implements Reasoner.
func (a *AnthropicReasoner) Assess(ctx context.Context, req model.Requirement, providers []capability.Provider) ([]Judgement, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      reasonerSystemPrompt,
		CacheSystem: true,
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(req, providers)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "matching: reasoner request")
	}
	resp.Usage.LogCost(a.model, "match")
	a.usage.Record(resp.Usage)
	if resp.Truncated() {
		zap.L().Warn("matching: reasoner reply hit the token limit", zap.Int64("max_tokens", a.maxTokens))
	}

	judgements, err := parseJudgements(resp.Text())
	if err != nil {
		zap.L().Debug("matching: unparseable reasoner reply", zap.String("reply", resp.Text()))
		return nil, err
	}
	return judgements, nil
}

// Usage returns the tokens spent by every Assess call so far.
func (a *AnthropicReasoner) Usage() (anthropic.TokenUsage, int) {
	return a.usage.Total()
}

// Model returns the model name requests are sent with.
func (a *AnthropicReasoner) Model() string { return a.model }

func buildPrompt(req model.Requirement, providers []capability.Provider) string {
	var b strings.Builder
	b.WriteString("Requirement:\n")
	fmt.Fprintf(&b, "  process: %s\n", req.Process)
	if req.Material != "" {
		fmt.Fprintf(&b, "  material: %s\n", req.Material)
	}
	if req.Description != "" {
		fmt.Fprintf(&b, "  description: %s\n", req.Description)
	}
	b.WriteString("\nFacilities:\n")
	for _, p := range providers {
		fmt.Fprintf(&b, "- facility_id: %s, equipment: %s, process: %s", p.FacilityID, equipmentName(p), p.Raw)
		if len(p.Materials) > 0 {
			fmt.Fprintf(&b, ", materials: %s", strings.Join(p.Materials, "/"))
		}
		if p.Description != "" {
			fmt.Fprintf(&b, ", notes: %s", p.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// parseJudgements extracts the first JSON array from a model reply.
func parseJudgements(text string) ([]Judgement, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, eris.New("matching: reasoner reply has no JSON array")
	}
	var out []Judgement
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, eris.Wrap(err, "matching: decode reasoner reply")
	}
	return out, nil
}
