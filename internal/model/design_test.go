package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentRequirements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		component Component
		want      []string
	}{
		{"process only", Component{ID: "a", Process: "3DP"}, []string{"3DP"}},
		{"process and list", Component{ID: "a", Process: "3DP", Processes: []string{"CNC", "3DP", ""}}, []string{"3DP", "CNC"}},
		{"material only", Component{ID: "a", Material: "PLA"}, []string{""}},
		{"nothing", Component{ID: "a"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reqs := tt.component.Requirements()
			if tt.want == nil {
				assert.Empty(t, reqs)
				return
			}
			require.Len(t, reqs, len(tt.want))
			for i, r := range reqs {
				assert.Equal(t, tt.want[i], r.Process)
				assert.Equal(t, tt.component.Material, r.Material)
			}
		})
	}
}

func TestRequirementKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "req-1", Requirement{ID: "req-1", Process: "3DP"}.Key())
	assert.Equal(t, "3DP", Requirement{Process: "3DP"}.Key())
	assert.Equal(t, "PLA", Requirement{Material: "PLA"}.Key())
	assert.True(t, Requirement{Process: "  "}.IsEmpty())
}

func TestDesignValidate(t *testing.T) {
	t.Parallel()

	valid := &Design{
		ID:           "widget",
		Requirements: []Requirement{{Process: "3DP"}},
		Parts: []Component{
			{ID: "frame", Children: []Component{{ID: "bracket", Process: "CNC"}}},
		},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		design *Design
		field  string
	}{
		{"nil", nil, "nil design"},
		{"missing id", &Design{}, "id: required"},
		{"empty requirement", &Design{ID: "d", Requirements: []Requirement{{}}}, "requirements[0]"},
		{"missing part id", &Design{ID: "d", Parts: []Component{{Name: "x"}}}, "parts[0].id: required"},
		{"missing child id", &Design{ID: "d", Parts: []Component{{ID: "a", Children: []Component{{ID: "b"}, {}}}}}, "parts[0].children[1].id: required"},
		{"negative quantity", &Design{ID: "d", Parts: []Component{{ID: "a", Quantity: -1}}}, "parts[0].quantity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.design.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestEquipmentAllProcesses(t *testing.T) {
	t.Parallel()

	e := Equipment{Process: "3DP", Processes: []string{"3DP", "", "CNC"}}
	assert.Equal(t, []string{"3DP", "CNC"}, e.AllProcesses())
	assert.Empty(t, Equipment{}.AllProcesses())
}

func TestMatchTypeRank(t *testing.T) {
	t.Parallel()

	assert.Less(t, MatchTypeDirect.Rank(), MatchTypeHeuristic.Rank())
	assert.Less(t, MatchTypeHeuristic.Rank(), MatchTypeNLP.Rank())
	assert.Less(t, MatchTypeNLP.Rank(), MatchTypeLLM.Rank())
	assert.Less(t, MatchTypeLLM.Rank(), MatchTypeUnknown.Rank())
}
