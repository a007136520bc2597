package supplytree

import (
	"github.com/sells-group/supplytree/internal/model"
)

// score is the mean best confidence over matched required components,
// scaled by the fraction of required components matched. A solution with no
// required components scores the mean best confidence of whatever matched.
func score(units []unit, sol *model.SupplyTreeSolution, treesOf [][]string) float64 {
	pos := sol.TreeIndex()
	best := func(i int) float64 {
		b := 0.0
		for _, id := range treesOf[i] {
			b = max(b, sol.AllTrees[pos[id]].ConfidenceScore)
		}
		return b
	}

	var required, matched int
	var sum float64
	for i, u := range units {
		if !u.required {
			continue
		}
		required++
		if len(treesOf[i]) > 0 {
			matched++
			sum += best(i)
		}
	}

	if required == 0 {
		var n int
		for i := range units {
			if len(treesOf[i]) > 0 {
				n++
				sum += best(i)
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}
	if matched == 0 {
		return 0
	}
	return (sum / float64(matched)) * (float64(matched) / float64(required))
}
