package model

import "time"

// SupplyTree is one resolved (component requirement → facility) branch.
type SupplyTree struct {
	ID              string    `json:"id"`
	FacilityID      string    `json:"facility_id"`
	FacilityName    string    `json:"facility_name,omitempty"`
	DesignID        string    `json:"design_id"`
	ComponentID     string    `json:"component_id"`
	ComponentName   string    `json:"component_name,omitempty"`
	ComponentKey    string    `json:"component_key"`
	Requirement     string    `json:"requirement,omitempty"`
	ConfidenceScore float64   `json:"confidence_score"`
	MatchType       MatchType `json:"match_type"`
	Explanation     string    `json:"explanation,omitempty"`
	ParentTreeID    string    `json:"parent_tree_id,omitempty"`
	Depth           int       `json:"depth"`
	Path            []string  `json:"path,omitempty"`
}

// UnresolvedRequirement explains why a component produced no (or partial)
// supply trees.
type UnresolvedRequirement struct {
	ComponentID string `json:"component_id"`
	Requirement string `json:"requirement,omitempty"`
	Reason      string `json:"reason"`
}

// ResolutionError is a collaborator failure attached to one component,
// typically an external reference that could not be loaded.
type ResolutionError struct {
	ComponentID string   `json:"component_id"`
	Path        []string `json:"path,omitempty"`
	Ref         string   `json:"ref,omitempty"`
	Message     string   `json:"message"`
}

// SupplyTreeSolution is the assembled result of resolving a design.
type SupplyTreeSolution struct {
	DesignID           string                  `json:"design_id"`
	AllTrees           []SupplyTree            `json:"all_trees"`
	RootTrees          []string                `json:"root_trees"`
	IsNested           bool                    `json:"is_nested"`
	Score              float64                 `json:"score"`
	ComponentMapping   map[string][]string     `json:"component_mapping"`
	DependencyGraph    map[string][]string     `json:"dependency_graph"`
	ProductionSequence []string                `json:"production_sequence"`
	ProductionStages   [][]string              `json:"production_stages,omitempty"`
	RequiredComponents []string                `json:"required_components,omitempty"`
	Unresolved         []UnresolvedRequirement `json:"unresolved,omitempty"`
	ResolutionErrors   []ResolutionError       `json:"resolution_errors,omitempty"`
	Validation         *ValidationResult       `json:"validation,omitempty"`
	PoolWarnings       []string                `json:"pool_warnings,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
}

// Tree returns the tree with the given ID, or nil.
func (s *SupplyTreeSolution) Tree(id string) *SupplyTree {
	for i := range s.AllTrees {
		if s.AllTrees[i].ID == id {
			return &s.AllTrees[i]
		}
	}
	return nil
}

// TreeIndex maps tree IDs to their position in AllTrees.
func (s *SupplyTreeSolution) TreeIndex() map[string]int {
	idx := make(map[string]int, len(s.AllTrees))
	for i, t := range s.AllTrees {
		idx[t.ID] = i
	}
	return idx
}

// ValidationResult is the structural report produced by the solution validator.
type ValidationResult struct {
	IsValid              bool       `json:"is_valid"`
	Errors               []string   `json:"errors,omitempty"`
	Warnings             []string   `json:"warnings,omitempty"`
	UnmatchedComponents  []string   `json:"unmatched_components,omitempty"`
	CircularDependencies [][]string `json:"circular_dependencies,omitempty"`
}

// SolutionMetadata is the lifecycle record kept alongside a stored solution.
type SolutionMetadata struct {
	ID        string    `json:"id"`
	DesignID  string    `json:"design_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	TTLDays   int       `json:"ttl_days"`
	Tags      []string  `json:"tags,omitempty"`
	TreeCount int       `json:"tree_count"`
	Score     float64   `json:"score"`
	IsNested  bool      `json:"is_nested"`
}

// IsStale reports whether the solution has reached its expiry at now. A
// solution saved with a TTL of zero days is stale from the moment it is saved.
func (m SolutionMetadata) IsStale(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// HasTags reports whether the metadata carries every one of tags.
func (m SolutionMetadata) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range m.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
