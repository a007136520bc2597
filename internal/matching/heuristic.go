package matching

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/model"
)

//go:embed heuristics.yaml
var defaultRulesYAML []byte

// Heuristic confidences for the built-in name comparisons.
const (
	taxonomyTextConfidence = 0.8
	aliasConfidence        = 0.75
	containmentConfidence  = 0.7
	materialBonus          = 0.05
)

// Rule implies a process from requirement text or material.
type Rule struct {
	Name            string  `yaml:"name"`
	Pattern         string  `yaml:"pattern"`
	MaterialPattern string  `yaml:"material_pattern"`
	Process         string  `yaml:"process"`
	Confidence      float64 `yaml:"confidence"`

	pattern  *regexp.Regexp
	material *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Process == "" {
		return eris.Errorf("rule %q: process: required", r.Name)
	}
	if r.Pattern == "" && r.MaterialPattern == "" {
		return eris.Errorf("rule %q: pattern or material_pattern required", r.Name)
	}
	var err error
	if r.Pattern != "" {
		if r.pattern, err = regexp.Compile(r.Pattern); err != nil {
			return eris.Wrapf(err, "rule %q: pattern", r.Name)
		}
	}
	if r.MaterialPattern != "" {
		if r.material, err = regexp.Compile(r.MaterialPattern); err != nil {
			return eris.Wrapf(err, "rule %q: material_pattern", r.Name)
		}
	}
	return nil
}

func (r *Rule) fires(req model.Requirement) bool {
	if r.pattern != nil && r.pattern.MatchString(req.Text()) {
		return true
	}
	return r.material != nil && req.Material != "" && r.material.MatchString(strings.TrimSpace(req.Material))
}

// DefaultRules returns the built-in heuristic rule set.
func DefaultRules() []Rule {
	rules, err := parseRules(defaultRulesYAML)
	if err != nil {
		panic(eris.Wrap(err, "matching: embedded heuristics"))
	}
	return rules
}

// LoadRules reads a heuristic rule file. An empty path yields the defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "matching: read heuristics %s", path)
	}
	rules, err := parseRules(data)
	if err != nil {
		return nil, eris.Wrapf(err, "matching: heuristics %s", path)
	}
	return rules, nil
}

func parseRules(data []byte) ([]Rule, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "parse")
	}
	for i := range doc.Rules {
		if err := doc.Rules[i].compile(); err != nil {
			return nil, err
		}
	}
	return doc.Rules, nil
}

// Heuristic is the rule-based layer: pattern and material rules, taxonomy
// names appearing in free text, taxonomy aliases, and containment between
// the requested identifier and the identifiers facilities declared.
type Heuristic struct {
	rules []Rule
}

// NewHeuristic builds the layer. Rules must come from DefaultRules or
// LoadRules so their patterns are compiled.
func NewHeuristic(rules []Rule) *Heuristic {
	return &Heuristic{rules: rules}
}

// Kind implements Layer.
func (*Heuristic) Kind() model.MatchType { return model.MatchTypeHeuristic }

// Match implements Layer.
func (h *Heuristic) Match(ctx context.Context, req model.Requirement, idx *capability.Index) ([]model.CandidateMatch, error) {
	c := newCollector(model.MatchTypeHeuristic)
	add := func(p capability.Provider, conf float64, why string) {
		if req.Material != "" && hasMaterial(p.Materials, req.Material) {
			conf += materialBonus
			why += "; material " + req.Material + " supported"
		}
		c.add(p, clamp(conf, HeuristicCeiling), why)
	}

	for i := range h.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := &h.rules[i]
		if !r.fires(req) {
			continue
		}
		for _, p := range idx.Lookup(r.Process) {
			add(p, r.Confidence, fmt.Sprintf("rule %s implies %s", r.Name, r.Process))
		}
		for _, p := range idx.Related(r.Process) {
			add(p, min(r.Confidence, aliasConfidence), fmt.Sprintf("rule %s implies %s, declared as %q", r.Name, r.Process, p.Raw))
		}
	}

	tax := idx.Taxonomy()
	folded := capability.Fold(req.Process + " " + req.Description)
	if folded != "" {
		for _, proc := range tax.Processes() {
			if !mentions(folded, proc) {
				continue
			}
			for _, p := range idx.Lookup(proc.URI) {
				add(p, taxonomyTextConfidence, fmt.Sprintf("requirement mentions %s", proc.Label))
			}
			for _, p := range idx.Related(proc.URI) {
				add(p, aliasConfidence, fmt.Sprintf("requirement mentions %s, declared as %q", proc.Label, p.Raw))
			}
		}
	}

	want := capability.Fold(req.Process)
	if len(want) >= 3 {
		for _, p := range idx.Providers() {
			have := capability.Fold(p.Raw)
			switch {
			case have == want:
				add(p, HeuristicCeiling, fmt.Sprintf("declared process %q equals %q after normalisation", p.Raw, req.Process))
			case len(have) < 3:
			case strings.Contains(" "+have+" ", " "+want+" ") || strings.Contains(" "+want+" ", " "+have+" "):
				add(p, containmentConfidence, fmt.Sprintf("declared process %q overlaps %q", p.Raw, req.Process))
			}
		}
	}

	return c.result(), nil
}

// mentions reports whether folded text contains any term of proc as whole words.
func mentions(folded string, proc capability.Process) bool {
	padded := " " + folded + " "
	for _, name := range proc.Terms()[1:] {
		key := capability.Fold(name)
		if len(key) < 3 {
			continue
		}
		if strings.Contains(padded, " "+key+" ") {
			return true
		}
	}
	return false
}

func hasMaterial(materials []string, want string) bool {
	want = capability.Fold(want)
	return slices.ContainsFunc(materials, func(m string) bool {
		return capability.Fold(m) == want
	})
}
