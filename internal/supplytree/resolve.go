package supplytree

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplytree/internal/bom"
	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/config"
	"github.com/sells-group/supplytree/internal/fetcher"
	"github.com/sells-group/supplytree/internal/matching"
	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/resilience"
	"github.com/sells-group/supplytree/pkg/anthropic"
)

// Engine bundles an orchestrator with the taxonomy its index must use.
type Engine struct {
	*Orchestrator
	Taxonomy *capability.Taxonomy

	reasoner *matching.AnthropicReasoner
	breakers *resilience.ServiceBreakers
}

// Index builds a capability index over facilities with the engine taxonomy.
func (e *Engine) Index(facilities []model.Facility) (*capability.Index, []string) {
	return capability.NewIndex(facilities, e.Taxonomy)
}

// NewEngine wires matcher layers, BOM loaders and the orchestrator from cfg.
func NewEngine(cfg *config.Config) (*Engine, error) {
	tax, err := capability.LoadTaxonomy(cfg.Taxonomy.Path)
	if err != nil {
		return nil, eris.Wrap(err, "supplytree: taxonomy")
	}
	rules, err := matching.LoadRules(cfg.Heuristics.Path)
	if err != nil {
		return nil, eris.Wrap(err, "supplytree: heuristics")
	}

	e := &Engine{Taxonomy: tax}
	opts := matching.OptionsFromConfig(cfg.Matching)
	opts.Rules = rules
	if opts.UseLLM {
		client := anthropic.NewClient(cfg.Anthropic.Key)
		e.reasoner = matching.NewAnthropicReasoner(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
		opts.Reasoner = e.reasoner
	}

	cbCfg := resilience.DefaultCircuitBreakerConfig()
	cbCfg.ShouldTrip = resilience.IsTransient
	e.breakers = resilience.NewServiceBreakers(cbCfg)
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:   cfg.Fetch.MaxRetries,
		DefaultRate:  rate.Limit(5),
		DefaultBurst: 5,
		Breakers:     e.breakers,
	})
	loader := &bom.MultiLoader{
		File: &bom.FileLoader{BaseDir: cfg.BOM.BaseDir},
		HTTP: &bom.HTTPLoader{Fetcher: f},
	}
	var l bom.Loader = loader
	if secs := cfg.BOM.LoaderTimeoutSecs; secs > 0 {
		l = bom.WithTimeout(loader, time.Duration(secs)*time.Second)
	}

	m := matching.NewMatcher(opts)
	e.Orchestrator = NewOrchestrator(m, bom.NewResolver(l), Options{
		MaxDepth:         cfg.BOM.MaxDepth,
		ConcurrencyLimit: cfg.Resolve.ConcurrencyLimit,
	})
	zap.L().Info("supplytree: engine ready",
		zap.Any("layers", m.Layers()),
		zap.Int("processes", len(tax.Processes())),
		zap.Int("heuristic_rules", len(rules)),
	)
	return e, nil
}

// Resolve is the one-call entry point: it wires an engine from cfg, indexes
// facilities and resolves d.
func Resolve(ctx context.Context, d *model.Design, facilities []model.Facility, cfg *config.Config) (*model.SupplyTreeSolution, error) {
	e, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}
	return e.ResolveDesign(ctx, d, facilities)
}

// ResolveDesign indexes facilities with the engine taxonomy and resolves d.
// Facilities the index rejects are skipped and reported in PoolWarnings.
func (e *Engine) ResolveDesign(ctx context.Context, d *model.Design, facilities []model.Facility) (*model.SupplyTreeSolution, error) {
	idx, warnings := e.Index(facilities)
	sol, err := e.Orchestrator.Resolve(ctx, d, idx)
	if err != nil {
		return nil, err
	}
	sol.PoolWarnings = warnings
	e.logUsage(sol.DesignID)
	return sol, nil
}

// CircuitStates reports the breaker state of every remote host the engine
// has fetched from.
func (e *Engine) CircuitStates() map[string]string {
	if e.breakers == nil {
		return nil
	}
	states := e.breakers.States()
	out := make(map[string]string, len(states))
	for host, s := range states {
		out[host] = s.String()
	}
	return out
}

func (e *Engine) logUsage(designID string) {
	if e.reasoner == nil {
		return
	}
	usage, calls := e.reasoner.Usage()
	if calls == 0 {
		return
	}
	zap.L().Info("supplytree: reasoner usage to date",
		zap.String("design_id", designID),
		zap.Int("calls", calls),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("estimated_cost_usd", usage.EstimateCost(e.reasoner.Model())),
	)
}
