// Package bom detects where a design's bill of materials lives and flattens
// nested parts, including externally referenced designs, into a depth- and
// path-tagged arena of component occurrences.
package bom

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
)

// Unbounded disables depth truncation.
const Unbounded = -1

// ErrCircularReference marks an external reference that leads back to a
// design already being expanded.
var ErrCircularReference = eris.New("bom: circular external reference")

// DetectType reports whether the design's BOM is embedded in the design or
// referenced externally through BOMRef.
func DetectType(d *model.Design) model.BOMType {
	if d != nil && strings.TrimSpace(d.BOMRef) != "" && len(d.Parts) == 0 {
		return model.BOMTypeExternal
	}
	return model.BOMTypeEmbedded
}

// Explosion is the flattened BOM of one design.
type Explosion struct {
	// Components is the arena in depth-first pre-order.
	Components []model.ComponentMatch
	// Designs holds the root design and every loaded external design by ID.
	Designs map[string]*model.Design
	// Errors lists per-component resolution failures.
	Errors []model.ResolutionError
}

// Owner returns the design that declared the occurrence.
func (e *Explosion) Owner(cm model.ComponentMatch) *model.Design {
	return e.Designs[cm.DesignID]
}

// Children returns the arena indices of the occurrence's immediate children.
func (e *Explosion) Children(index int) []int {
	var out []int
	for i := index + 1; i < len(e.Components); i++ {
		if e.Components[i].ParentIndex == index {
			out = append(out, i)
		}
	}
	return out
}

// IsNested reports whether any occurrence sits below the root level.
func (e *Explosion) IsNested() bool {
	for _, c := range e.Components {
		if c.Depth > 0 {
			return true
		}
	}
	return false
}

// Resolver explodes designs, loading external references through a Loader.
type Resolver struct {
	loader Loader
}

// NewResolver returns a resolver. A nil loader makes every external
// reference a resolution error.
func NewResolver(loader Loader) *Resolver {
	return &Resolver{loader: loader}
}

// explosion is the per-call state.
type explosion struct {
	*Explosion
	loader   Loader
	maxDepth int
	cache    map[string]*model.Design
	failed   map[string]error
	loading  map[string]bool
	keys     map[string]int
}

// Explode flattens d. Root-level parts have depth 0 and an empty path.
// Occurrences deeper than maxDepth are omitted; Unbounded disables the
// limit. Only cancellation of ctx is returned as an error.
func (r *Resolver) Explode(ctx context.Context, d *model.Design, maxDepth int) (*Explosion, error) {
	if d == nil {
		return nil, eris.New("bom: nil design")
	}
	x := &explosion{
		Explosion: &Explosion{
			Components: []model.ComponentMatch{},
			Designs:    map[string]*model.Design{d.ID: d},
		},
		loader:   r.loader,
		maxDepth: maxDepth,
		cache:    make(map[string]*model.Design),
		failed:   make(map[string]error),
		loading:  make(map[string]bool),
		keys:     make(map[string]int),
	}

	parts := d.Parts
	if DetectType(d) == model.BOMTypeExternal {
		ext, err := x.load(ctx, d.BOMRef, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			x.fail(d.ID, nil, d.BOMRef, err)
		} else {
			// The external BOM stands in for the design's own parts.
			parts = ext.Parts
			x.Designs[d.ID] = withParts(d, parts)
		}
	}

	visiting := []string{d.ID}
	for _, p := range parts {
		if err := x.walk(ctx, p, 0, nil, -1, d.ID, visiting); err != nil {
			return nil, err
		}
	}

	zap.L().Debug("bom: exploded design",
		zap.String("design", d.ID),
		zap.Int("components", len(x.Components)),
		zap.Int("errors", len(x.Errors)),
	)
	return x.Explosion, nil
}

func (x *explosion) walk(ctx context.Context, c model.Component, depth int, path []string, parent int, designID string, visiting []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.maxDepth >= 0 && depth > x.maxDepth {
		return nil
	}

	index := len(x.Components)
	flat := c
	flat.Children = nil
	x.Components = append(x.Components, model.ComponentMatch{
		Component:   flat,
		Depth:       depth,
		Path:        append([]string{}, path...),
		Index:       index,
		ParentIndex: parent,
		DesignID:    designID,
		Key:         x.key(path, c.ID),
	})

	if x.maxDepth >= 0 && depth+1 > x.maxDepth {
		return nil
	}
	childPath := append(append([]string{}, path...), c.ID)

	for _, child := range c.Children {
		if err := x.walk(ctx, child, depth+1, childPath, index, designID, visiting); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Ref) == "" {
		return nil
	}
	ext, err := x.load(ctx, c.Ref, visiting)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		x.fail(c.ID, path, c.Ref, err)
		return nil
	}
	nested := append(append([]string{}, visiting...), ext.ID)
	for _, child := range ext.Parts {
		if err := x.walk(ctx, child, depth+1, childPath, index, ext.ID, nested); err != nil {
			return err
		}
	}
	return nil
}

// load resolves ref once per explosion. The returned design has its parts
// materialised, following its own BOMRef when it has no embedded parts.
func (x *explosion) load(ctx context.Context, ref string, visiting []string) (*model.Design, error) {
	if err, ok := x.failed[ref]; ok {
		return nil, err
	}
	d, ok := x.cache[ref]
	if !ok {
		if x.loader == nil {
			return nil, eris.Errorf("bom: no loader configured for %q", ref)
		}
		if x.loading[ref] {
			return nil, eris.Wrapf(ErrCircularReference, "bom_ref chain returns to %s", ref)
		}
		x.loading[ref] = true
		defer delete(x.loading, ref)

		loaded, err := x.loader.Load(ctx, ref)
		if err != nil {
			err = eris.Wrapf(err, "bom: load %s", ref)
			if ctx.Err() == nil {
				x.failed[ref] = err
			}
			return nil, err
		}
		if loaded == nil || strings.TrimSpace(loaded.ID) == "" {
			err := eris.Errorf("bom: load %s: design id: required", ref)
			x.failed[ref] = err
			return nil, err
		}
		d = loaded
		if DetectType(d) == model.BOMTypeExternal {
			inner, err := x.load(ctx, d.BOMRef, visiting)
			if err != nil {
				return nil, err
			}
			d = withParts(d, inner.Parts)
		}
		x.cache[ref] = d
	}

	for _, id := range visiting {
		if id == d.ID {
			return nil, eris.Wrapf(ErrCircularReference, "%s via %s", strings.Join(append(append([]string{}, visiting...), d.ID), " -> "), ref)
		}
	}
	if _, seen := x.Designs[d.ID]; !seen {
		x.Designs[d.ID] = d
	}
	return d, nil
}

func (x *explosion) key(path []string, id string) string {
	base := strings.Join(append(append([]string{}, path...), id), "/")
	n := x.keys[base]
	x.keys[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}

func (x *explosion) fail(componentID string, path []string, ref string, err error) {
	zap.L().Warn("bom: external reference not resolved",
		zap.String("component", componentID),
		zap.String("ref", ref),
		zap.Error(err),
	)
	x.Errors = append(x.Errors, model.ResolutionError{
		ComponentID: componentID,
		Path:        append([]string{}, path...),
		Ref:         ref,
		Message:     err.Error(),
	})
}

func withParts(d *model.Design, parts []model.Component) *model.Design {
	cp := *d
	cp.Parts = parts
	return &cp
}
