// Package supplytree resolves a design against a facility pool: it explodes
// the bill of materials, matches every component, and assembles the matches
// into a dependency-ordered supply-tree solution.
package supplytree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplytree/internal/bom"
	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/matching"
	"github.com/sells-group/supplytree/internal/model"
	"github.com/sells-group/supplytree/internal/validation"
)

const defaultConcurrency = 4

// treeNamespace seeds deterministic tree IDs.
var treeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/sells-group/supplytree/tree"))

// Matcher matches one requirement against the capability index.
type Matcher interface {
	MatchDetailed(ctx context.Context, req model.Requirement, idx *capability.Index) matching.Result
}

// Options tunes an Orchestrator.
type Options struct {
	// MaxDepth truncates BOM explosion; bom.Unbounded disables it.
	MaxDepth int
	// ConcurrencyLimit bounds concurrent component matches.
	ConcurrencyLimit int
}

// Orchestrator resolves designs. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	matcher  Matcher
	resolver *bom.Resolver
	opts     Options
	now      func() time.Time
}

// NewOrchestrator returns an orchestrator using m for matching and r for BOM
// explosion.
func NewOrchestrator(m Matcher, r *bom.Resolver, opts Options) *Orchestrator {
	if opts.ConcurrencyLimit <= 0 {
		opts.ConcurrencyLimit = defaultConcurrency
	}
	if r == nil {
		r = bom.NewResolver(nil)
	}
	return &Orchestrator{matcher: m, resolver: r, opts: opts, now: time.Now}
}

// WithNow sets the clock used for CreatedAt.
func (o *Orchestrator) WithNow(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// unit is one component occurrence to match.
type unit struct {
	key      string
	cm       model.ComponentMatch
	reqs     []model.Requirement
	required bool
}

type unitResult struct {
	matches [][]model.CandidateMatch
	notes   [][]string
}

// Resolve builds the supply-tree solution for d. Malformed designs and
// cancellation are errors; unmatched components, loader failures and
// dependency cycles are reported inside the solution.
func (o *Orchestrator) Resolve(ctx context.Context, d *model.Design, idx *capability.Index) (*model.SupplyTreeSolution, error) {
	if err := d.Validate(); err != nil {
		return nil, eris.Wrap(err, "supplytree: invalid design")
	}
	if idx == nil {
		return nil, eris.New("supplytree: nil capability index")
	}

	x, err := o.resolver.Explode(ctx, d, o.opts.MaxDepth)
	if err != nil {
		return nil, eris.Wrap(err, "supplytree: explode")
	}

	units := buildUnits(d, x)
	results, err := o.matchAll(ctx, units, idx)
	if err != nil {
		return nil, err
	}

	sol := assemble(d, x, units, results)
	sol.CreatedAt = o.now().UTC()
	v := validation.Validate(sol)
	sol.Validation = &v

	zap.L().Info("supplytree: design resolved",
		zap.String("design", d.ID),
		zap.Int("components", len(units)),
		zap.Int("trees", len(sol.AllTrees)),
		zap.Bool("nested", sol.IsNested),
		zap.Float64("score", sol.Score),
		zap.Bool("valid", v.IsValid),
	)
	return sol, nil
}

// buildUnits turns the explosion into match units. A design without parts
// is non-nested: each top-level requirement becomes its own unit.
func buildUnits(d *model.Design, x *bom.Explosion) []unit {
	if len(x.Components) == 0 {
		units := make([]unit, 0, len(d.Requirements))
		for _, r := range d.Requirements {
			key := r.Key()
			units = append(units, unit{
				key: key,
				cm: model.ComponentMatch{
					Component:   model.Component{ID: key, Process: r.Process, Material: r.Material, Description: r.Description},
					Path:        []string{},
					Index:       len(units),
					ParentIndex: -1,
					DesignID:    d.ID,
					Key:         key,
				},
				reqs:     []model.Requirement{r},
				required: true,
			})
		}
		return units
	}

	units := make([]unit, len(x.Components))
	for i, cm := range x.Components {
		reqs := cm.Component.Requirements()
		if len(reqs) == 0 {
			if owner := x.Owner(cm); owner != nil {
				reqs = owner.Requirements
			}
		}
		units[i] = unit{
			key:      cm.Key,
			cm:       cm,
			reqs:     reqs,
			required: !cm.Component.Optional && len(reqs) > 0,
		}
	}
	return units
}

// matchAll matches every unit with bounded concurrency. Cancellation stops
// dispatching further units.
func (o *Orchestrator) matchAll(ctx context.Context, units []unit, idx *capability.Index) ([]unitResult, error) {
	results := make([]unitResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ConcurrencyLimit)

	for i := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			u := units[i]
			res := unitResult{
				matches: make([][]model.CandidateMatch, len(u.reqs)),
				notes:   make([][]string, len(u.reqs)),
			}
			for j, r := range u.reqs {
				if err := gctx.Err(); err != nil {
					return err
				}
				m := o.matcher.MatchDetailed(gctx, r, idx)
				res.matches[j] = m.Candidates
				res.notes[j] = m.Notes
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "supplytree: match components")
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "supplytree: match components")
	}
	return results, nil
}

// assemble builds trees, the dependency graph and the production plan.
func assemble(d *model.Design, x *bom.Explosion, units []unit, results []unitResult) *model.SupplyTreeSolution {
	sol := &model.SupplyTreeSolution{
		DesignID:           d.ID,
		AllTrees:           []model.SupplyTree{},
		RootTrees:          []string{},
		IsNested:           x.IsNested(),
		ComponentMapping:   make(map[string][]string, len(units)),
		DependencyGraph:    make(map[string][]string),
		ProductionSequence: []string{},
		ResolutionErrors:   x.Errors,
	}

	treesOf := make([][]string, len(units))
	for i, u := range units {
		if u.required {
			sol.RequiredComponents = append(sol.RequiredComponents, u.key)
		}
		if len(u.reqs) == 0 {
			sol.Unresolved = append(sol.Unresolved, model.UnresolvedRequirement{
				ComponentID: u.key,
				Reason:      "component names no process or material and its design has no requirements",
			})
		}
		for j, r := range u.reqs {
			cands := results[i].matches[j]
			if len(cands) == 0 {
				reason := "no facility matched"
				if notes := results[i].notes[j]; len(notes) > 0 {
					reason += ": " + strings.Join(notes, "; ")
				}
				sol.Unresolved = append(sol.Unresolved, model.UnresolvedRequirement{
					ComponentID: u.key,
					Requirement: r.Key(),
					Reason:      reason,
				})
				continue
			}
			for _, c := range cands {
				t := model.SupplyTree{
					FacilityID:      c.FacilityID,
					FacilityName:    c.FacilityName,
					DesignID:        u.cm.DesignID,
					ComponentID:     u.cm.Component.ID,
					ComponentName:   u.cm.Component.DisplayName(),
					ComponentKey:    u.key,
					Requirement:     r.Key(),
					ConfidenceScore: c.Confidence,
					MatchType:       c.MatchType,
					Explanation:     c.Explanation,
					Depth:           u.cm.Depth,
					Path:            u.cm.Path,
				}
				t.ID = treeID(d.ID, t, len(sol.AllTrees))
				sol.AllTrees = append(sol.AllTrees, t)
				treesOf[i] = append(treesOf[i], t.ID)
			}
		}
		if len(treesOf[i]) > 0 {
			sol.ComponentMapping[u.key] = append(sol.ComponentMapping[u.key], treesOf[i]...)
		}
	}

	g := newGraph()
	for _, t := range sol.AllTrees {
		g.addNode(t.ID)
	}
	pos := sol.TreeIndex()
	for i, u := range units {
		if len(treesOf[i]) == 0 {
			continue
		}
		if parent := nearestMatchedAncestor(units, treesOf, u.cm.ParentIndex); parent >= 0 {
			for _, id := range treesOf[i] {
				sol.AllTrees[pos[id]].ParentTreeID = treesOf[parent][0]
			}
		}
		deps := matchedDescendants(x, treesOf, i)
		for _, id := range treesOf[i] {
			for _, dep := range deps {
				g.addEdge(id, dep)
			}
		}
	}
	for _, t := range sol.AllTrees {
		sol.DependencyGraph[t.ID] = g.deps[t.ID]
		if t.ParentTreeID == "" {
			sol.RootTrees = append(sol.RootTrees, t.ID)
		}
	}

	if cyclic := g.cyclicNodes(); len(cyclic) > 0 {
		zap.L().Warn("supplytree: dependency cycle, members left out of the production sequence",
			zap.String("design", d.ID),
			zap.Strings("trees", cyclic),
		)
	}
	seq, stages := g.sequence()
	if seq != nil {
		sol.ProductionSequence = seq
	}
	sol.ProductionStages = stages
	sol.Score = score(units, sol, treesOf)
	return sol
}

func treeID(designID string, t model.SupplyTree, ordinal int) string {
	seed := fmt.Sprintf("%s|%s|%s|%s|%d", designID, t.ComponentKey, t.Requirement, t.FacilityID, ordinal)
	return uuid.NewSHA1(treeNamespace, []byte(seed)).String()
}

// nearestMatchedAncestor walks up the arena from index to the first
// occurrence with trees. It returns -1 when there is none.
func nearestMatchedAncestor(units []unit, treesOf [][]string, index int) int {
	for index >= 0 {
		if len(treesOf[index]) > 0 {
			return index
		}
		index = units[index].cm.ParentIndex
	}
	return -1
}

// matchedDescendants returns the trees of the nearest matched occurrences
// below index, looking through unmatched intermediate occurrences.
func matchedDescendants(x *bom.Explosion, treesOf [][]string, index int) []string {
	if len(x.Components) == 0 {
		return nil
	}
	var out []string
	for _, c := range x.Children(index) {
		if len(treesOf[c]) > 0 {
			out = append(out, treesOf[c]...)
			continue
		}
		out = append(out, matchedDescendants(x, treesOf, c)...)
	}
	return out
}
