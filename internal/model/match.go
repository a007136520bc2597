package model

// MatchType records which matching layer produced a result.
type MatchType string

const (
	MatchTypeDirect    MatchType = "direct"
	MatchTypeHeuristic MatchType = "heuristic"
	MatchTypeNLP       MatchType = "nlp"
	MatchTypeLLM       MatchType = "llm"
	MatchTypeUnknown   MatchType = "unknown"
)

// Rank orders match types from most to least deterministic. Lower is earlier.
func (t MatchType) Rank() int {
	switch t {
	case MatchTypeDirect:
		return 0
	case MatchTypeHeuristic:
		return 1
	case MatchTypeNLP:
		return 2
	case MatchTypeLLM:
		return 3
	default:
		return 4
	}
}

// CandidateMatch is one scored association between a requirement and a facility.
type CandidateMatch struct {
	FacilityID   string    `json:"facility_id"`
	FacilityName string    `json:"facility_name,omitempty"`
	Process      string    `json:"process,omitempty"`
	Confidence   float64   `json:"confidence"`
	MatchType    MatchType `json:"match_type"`
	Explanation  string    `json:"explanation,omitempty"`
}

// ComponentMatch is the flattened-BOM record for one component occurrence.
// Index and ParentIndex address the explosion arena; ParentIndex is -1 for
// root-level parts.
type ComponentMatch struct {
	Component   Component `json:"component"`
	Depth       int       `json:"depth"`
	Path        []string  `json:"path"`
	Index       int       `json:"index"`
	ParentIndex int       `json:"parent_index"`
	DesignID    string    `json:"design_id"`
	Key         string    `json:"key"`
}

// IsRoot reports whether the occurrence is a root-level part.
func (c ComponentMatch) IsRoot() bool {
	return c.ParentIndex < 0
}
