package capability

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/supplytree/internal/model"
)

// Provider is one (facility, equipment, process) entry of the index.
type Provider struct {
	FacilityID   string
	FacilityName string
	EquipmentID  string
	Equipment    string
	// Process is the canonical process URI.
	Process string
	// Raw is the identifier as the facility declared it.
	Raw         string
	Materials   []string
	Description string
}

// Index answers "which facilities expose equipment for process P". Every
// process identifier is canonicalised once, at build time. An Index is
// immutable and safe for concurrent use.
type Index struct {
	taxonomy   *Taxonomy
	facilities []model.Facility
	providers  []Provider
	byProcess  map[string][]int
	byAlias    map[string][]int
}

// NewIndex builds an index over the facility pool. Facilities without an ID
// and equipment without any process are skipped; each skip is logged and
// returned as a warning.
func NewIndex(facilities []model.Facility, taxonomy *Taxonomy) (*Index, []string) {
	if taxonomy == nil {
		taxonomy = DefaultTaxonomy()
	}
	idx := &Index{
		taxonomy:  taxonomy,
		byProcess: make(map[string][]int),
		byAlias:   make(map[string][]int),
	}

	var warnings []string
	warn := func(msg string) {
		warnings = append(warnings, msg)
		zap.L().Warn("capability: " + msg)
	}

	seen := make(map[string]bool, len(facilities))
	for i, f := range facilities {
		if strings.TrimSpace(f.ID) == "" {
			warn(fmt.Sprintf("facilities[%d].id: required, facility %q skipped", i, f.Name))
			continue
		}
		if seen[f.ID] {
			warn(fmt.Sprintf("facilities[%d].id: duplicate %q skipped", i, f.ID))
			continue
		}
		seen[f.ID] = true
		idx.facilities = append(idx.facilities, f)

		for j, eq := range f.Equipment {
			procs := eq.AllProcesses()
			if len(procs) == 0 {
				warn(fmt.Sprintf("facility %s: equipment[%d].process: required, equipment skipped", f.ID, j))
				continue
			}
			dedup := make(map[string]bool, len(procs))
			for _, raw := range procs {
				uri := taxonomy.Canonical(raw)
				if dedup[uri] {
					continue
				}
				dedup[uri] = true
				idx.byProcess[uri] = append(idx.byProcess[uri], len(idx.providers))
				if related, viaAlias, ok := taxonomy.Resolve(raw); ok && viaAlias {
					idx.byAlias[related] = append(idx.byAlias[related], len(idx.providers))
				}
				idx.providers = append(idx.providers, Provider{
					FacilityID:   f.ID,
					FacilityName: f.DisplayName(),
					EquipmentID:  eq.ID,
					Equipment:    eq.Name,
					Process:      uri,
					Raw:          raw,
					Materials:    eq.Materials,
					Description:  eq.Description,
				})
			}
		}
	}

	return idx, warnings
}

// Taxonomy returns the taxonomy the index was built with.
func (idx *Index) Taxonomy() *Taxonomy {
	return idx.taxonomy
}

// Canonical resolves a process identifier through the index taxonomy.
func (idx *Index) Canonical(id string) string {
	return idx.taxonomy.Canonical(id)
}

// Lookup returns the providers exposing the given process, in build order.
func (idx *Index) Lookup(process string) []Provider {
	return idx.pick(idx.byProcess[idx.Canonical(process)])
}

// Related returns the providers whose declared process is a taxonomy alias
// of the given process. They never appear in Lookup for it.
func (idx *Index) Related(process string) []Provider {
	uri, _, ok := idx.taxonomy.Resolve(process)
	if !ok {
		return nil
	}
	return idx.pick(idx.byAlias[uri])
}

func (idx *Index) pick(ids []int) []Provider {
	out := make([]Provider, len(ids))
	for i, n := range ids {
		out[i] = idx.providers[n]
	}
	return out
}

// Providers returns every provider entry in build order.
func (idx *Index) Providers() []Provider {
	out := make([]Provider, len(idx.providers))
	copy(out, idx.providers)
	return out
}

// Processes returns every canonical process offered by at least one facility,
// sorted.
func (idx *Index) Processes() []string {
	out := make([]string, 0, len(idx.byProcess))
	for p := range idx.byProcess {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Facilities returns the accepted facilities.
func (idx *Index) Facilities() []model.Facility {
	out := make([]model.Facility, len(idx.facilities))
	copy(out, idx.facilities)
	return out
}
