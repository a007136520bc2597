package matching

import (
	"context"
	"fmt"

	"github.com/sells-group/supplytree/internal/capability"
	"github.com/sells-group/supplytree/internal/model"
)

// Direct matches on canonical process identity.
type Direct struct{}

// NewDirect returns the exact-identifier layer.
func NewDirect() *Direct { return &Direct{} }

// Kind implements Layer.
func (*Direct) Kind() model.MatchType { return model.MatchTypeDirect }

// Match implements Layer.
func (*Direct) Match(_ context.Context, req model.Requirement, idx *capability.Index) ([]model.CandidateMatch, error) {
	if req.Process == "" {
		return nil, nil
	}
	c := newCollector(model.MatchTypeDirect)
	for _, p := range idx.Lookup(req.Process) {
		c.add(p, DirectConfidence, fmt.Sprintf("equipment %s offers %s", equipmentName(p), idx.Taxonomy().Label(p.Process)))
	}
	return c.result(), nil
}

func equipmentName(p capability.Provider) string {
	switch {
	case p.Equipment != "":
		return p.Equipment
	case p.EquipmentID != "":
		return p.EquipmentID
	default:
		return p.Raw
	}
}
