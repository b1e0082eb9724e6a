package interpolate

import (
	"math"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// coincidentM is the distance below which an observation is treated as
// sitting on the cell center. Without it the 1/dᵖ weight overflows and a
// sensor exactly on a center would poison the sums with +Inf.
const coincidentM = 0.5

// idw estimates every cell as the weighted mean of observations within the
// search radius, with weights 1/(dᵖ·σ²): farther and noisier sensors
// contribute less. Cells that see no observation stay "no data". Identical
// distances need no tie-breaking; weights are continuous and observations
// are processed in input order, so the result is deterministic.
func (e *Engine) idw(g grid, obs []Observation) [][]domain.GridCell {
	cells := g.emptyCells()
	if len(obs) == 0 {
		return cells
	}

	for row := 0; row < g.rows; row++ {
		for col := 0; col < g.cols; col++ {
			cells[row][col] = e.idwCell(g.center(row, col), obs)
		}
	}
	return cells
}

func (e *Engine) idwCell(center orb.Point, obs []Observation) domain.GridCell {
	var (
		sumW, sumWV float64
		sumW2S2     float64 // Σ wᵢ²σᵢ² for the variance of the weighted mean
	)

	for _, o := range obs {
		d := geo.Distance(center, o.Point)
		if d > e.cfg.MaxSearchRadiusM {
			continue
		}
		if d < coincidentM {
			// A sensor on the cell center dominates completely: the
			// estimate is its value exactly, the variance its own σ².
			return domain.GridCell{Value: o.Value, Variance: o.Sigma * o.Sigma, HasData: true}
		}

		sigma2 := o.Sigma * o.Sigma
		if sigma2 <= 0 {
			sigma2 = 1e-6
		}
		w := 1 / (math.Pow(d, e.cfg.Power) * sigma2)
		sumW += w
		sumWV += w * o.Value
		sumW2S2 += w * w * sigma2
	}

	if sumW == 0 {
		return domain.GridCell{} // no reading in range: no data
	}
	return domain.GridCell{
		Value:    sumWV / sumW,
		Variance: sumW2S2 / (sumW * sumW),
		HasData:  true,
	}
}
