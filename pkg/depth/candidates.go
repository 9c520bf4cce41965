package depth

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Candidates is the ordered set of disparities tested per frame. Index 0
// corresponds to the far bound of the depth range and the last index to the
// near bound; consecutive disparities are about one pixel apart.
type Candidates struct {
	Disparities []float32
	// Coef is the disparity coefficient at working resolution.
	Coef float64
}

// NewCandidates spans [coef/maxDepth, coef/minDepth] with roughly one pixel steps.
func NewCandidates(coef, minDepth, maxDepth float64) Candidates {
	a, b := coef/maxDepth, coef/minDepth
	n := int(math.Abs(a-b) + 1.5)
	if n < 2 {
		n = 2
	}
	ds := make([]float64, n)
	floats.Span(ds, a, b)

	c := Candidates{Disparities: make([]float32, n), Coef: coef}
	for i, d := range ds {
		c.Disparities[i] = float32(d)
	}
	return c
}

// Len returns the number of candidates.
func (c Candidates) Len() int { return len(c.Disparities) }

// Step returns the signed disparity increment between consecutive candidates.
func (c Candidates) Step() float64 {
	n := len(c.Disparities)
	return (float64(c.Disparities[n-1]) - float64(c.Disparities[0])) / float64(n-1)
}

// DepthAt converts a fractional candidate index to depth. The index is
// clamped to the candidate range.
func (c Candidates) DepthAt(idx float64) float64 {
	idx = math.Max(0, math.Min(idx, float64(len(c.Disparities)-1)))
	return c.Coef / (float64(c.Disparities[0]) + idx*c.Step())
}
