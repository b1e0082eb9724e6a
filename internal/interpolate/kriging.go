package interpolate

import (
	"context"
	"math"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Universal kriging in semivariogram form with a planar drift (1, x, y).
// The (n+3)×(n+3) system matrix is factored once per request and reused
// for every cell, so the dominant cost is a single LU decomposition.

// variogram is a fitted spherical semivariogram model.
type variogram struct {
	nugget float64
	sill   float64
	rangeM float64
}

// gamma evaluates the spherical model at lag h meters.
func (v variogram) gamma(h float64) float64 {
	if h <= 0 {
		return 0
	}
	if h >= v.rangeM {
		return v.sill
	}
	r := h / v.rangeM
	return v.nugget + (v.sill-v.nugget)*(1.5*r-0.5*r*r*r)
}

func (e *Engine) kriging(ctx context.Context, g grid, obs []Observation) ([][]domain.GridCell, error) {
	n := len(obs)
	if n == 0 {
		return g.emptyCells(), nil
	}
	if n < 3 || collinear(obs) {
		return nil, ErrSingularSystem
	}

	v := fitVariogram(obs)

	// Local planar coordinates for the drift terms, meters east/north of
	// the bound's southwest corner.
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, o := range obs {
		xs[i], ys[i] = g.localMeters(o.Point)
	}

	// Assemble the universal kriging system:
	//   | Γ  F | |λ|   |γ₀|
	//   | Fᵀ 0 | |μ| = |f₀|
	dim := n + 3
	a := newMatrix(dim)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a[i][j] = v.gamma(geo.Distance(obs[i].Point, obs[j].Point))
		}
		a[i][n] = 1
		a[i][n+1] = xs[i]
		a[i][n+2] = ys[i]
		a[n][i] = 1
		a[n+1][i] = xs[i]
		a[n+2][i] = ys[i]
	}

	lu, perm, err := luDecompose(ctx, a)
	if err != nil {
		return nil, err
	}

	cells := g.emptyCells()
	rhs := make([]float64, dim)
	for row := 0; row < g.rows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrTimeoutExceeded
		}
		for col := 0; col < g.cols; col++ {
			center := g.center(row, col)

			inRange := false
			for i := 0; i < n; i++ {
				rhs[i] = v.gamma(geo.Distance(center, obs[i].Point))
				if geo.Distance(center, obs[i].Point) <= e.cfg.MaxSearchRadiusM {
					inRange = true
				}
			}
			if !inRange {
				continue // no data, same rule as IDW
			}
			cx, cy := g.localMeters(center)
			rhs[n] = 1
			rhs[n+1] = cx
			rhs[n+2] = cy

			sol := luSolve(lu, perm, rhs)

			var est, variance float64
			for i := 0; i < n; i++ {
				est += sol[i] * obs[i].Value
				variance += sol[i] * rhs[i]
			}
			for j := 0; j < 3; j++ {
				variance += sol[n+j] * rhs[n+j]
			}
			if variance < 0 {
				variance = 0 // numerical noise near observation points
			}

			cells[row][col] = domain.GridCell{Value: est, Variance: variance, HasData: true}
		}
	}
	return cells, nil
}

// localMeters projects a point to meters east/north of the bound's
// southwest corner (equirectangular, adequate at map-request scale).
func (g grid) localMeters(p orb.Point) (x, y float64) {
	midLat := (g.bound.Min[1] + g.bound.Max[1]) / 2 * math.Pi / 180
	x = (p[0] - g.bound.Min[0]) * 111320 * math.Cos(midLat)
	y = (p[1] - g.bound.Min[1]) * 110574
	return x, y
}

// collinear reports whether all observation points sit on one line, which
// makes the drift columns linearly dependent.
func collinear(obs []Observation) bool {
	if len(obs) < 3 {
		return true
	}
	p0 := obs[0].Point
	var p1 *Observation
	for i := 1; i < len(obs); i++ {
		if obs[i].Point != p0 {
			p1 = &obs[i]
			break
		}
	}
	if p1 == nil {
		return true // all points coincident
	}
	ux, uy := p1.Point[0]-p0[0], p1.Point[1]-p0[1]
	for i := 1; i < len(obs); i++ {
		vx, vy := obs[i].Point[0]-p0[0], obs[i].Point[1]-p0[1]
		cross := ux*vy - uy*vx
		if math.Abs(cross) > 1e-12 {
			return false
		}
	}
	return true
}

// fitVariogram fits a spherical model to the empirical semivariogram by a
// deterministic coarse grid search over nugget fraction and range. The sill
// is pinned to the sample variance; the search minimizes squared error over
// the binned semivariances.
func fitVariogram(obs []Observation) variogram {
	n := len(obs)

	var mean float64
	for _, o := range obs {
		mean += o.Value
	}
	mean /= float64(n)
	var sampleVar float64
	for _, o := range obs {
		sampleVar += (o.Value - mean) * (o.Value - mean)
	}
	sampleVar /= float64(n)
	if sampleVar <= 0 {
		// Constant field: any positive sill works, estimates are exact.
		sampleVar = 1e-6
	}

	// Empirical semivariogram, binned by pair distance.
	var maxDist float64
	type pair struct{ d, gamma float64 }
	pairs := make([]pair, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := geo.Distance(obs[i].Point, obs[j].Point)
			diff := obs[i].Value - obs[j].Value
			pairs = append(pairs, pair{d: d, gamma: 0.5 * diff * diff})
			if d > maxDist {
				maxDist = d
			}
		}
	}
	if maxDist <= 0 {
		return variogram{sill: sampleVar, rangeM: 1}
	}

	const bins = 10
	binGamma := make([]float64, bins)
	binCount := make([]int, bins)
	for _, p := range pairs {
		b := int(p.d / maxDist * bins)
		if b >= bins {
			b = bins - 1
		}
		binGamma[b] += p.gamma
		binCount[b]++
	}

	best := variogram{sill: sampleVar, rangeM: maxDist / 2}
	bestErr := math.Inf(1)
	for nf := 0; nf <= 5; nf++ { // nugget: 0%..50% of the sill
		nugget := sampleVar * float64(nf) / 10
		for rf := 1; rf <= 20; rf++ { // range: 5%..100% of max distance
			cand := variogram{nugget: nugget, sill: sampleVar, rangeM: maxDist * float64(rf) / 20}
			var sse float64
			for b := 0; b < bins; b++ {
				if binCount[b] == 0 {
					continue
				}
				h := (float64(b) + 0.5) / bins * maxDist
				diff := binGamma[b]/float64(binCount[b]) - cand.gamma(h)
				sse += diff * diff
			}
			if sse < bestErr {
				bestErr = sse
				best = cand
			}
		}
	}
	return best
}

// --- dense LU with partial pivoting ---
//
// Hand-rolled because no linear-algebra dependency is in use anywhere in
// this codebase and the system is small (a few hundred observations).

func newMatrix(dim int) [][]float64 {
	m := make([][]float64, dim)
	backing := make([]float64, dim*dim)
	for i := range m {
		m[i] = backing[i*dim : (i+1)*dim]
	}
	return m
}

// luDecompose factors a in place (Doolittle, partial pivoting) and returns
// the factored matrix with its row permutation. The context is checked per
// column so a compute budget can abort mid-factorization.
func luDecompose(ctx context.Context, a [][]float64) ([][]float64, []int, error) {
	dim := len(a)
	perm := make([]int, dim)
	for i := range perm {
		perm[i] = i
	}

	for col := 0; col < dim; col++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, ErrTimeoutExceeded
		}

		pivot := col
		for row := col + 1; row < dim; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-10 {
			return nil, nil, ErrSingularSystem
		}
		if pivot != col {
			a[col], a[pivot] = a[pivot], a[col]
			perm[col], perm[pivot] = perm[pivot], perm[col]
		}

		for row := col + 1; row < dim; row++ {
			a[row][col] /= a[col][col]
			factor := a[row][col]
			for j := col + 1; j < dim; j++ {
				a[row][j] -= factor * a[col][j]
			}
		}
	}
	return a, perm, nil
}

// luSolve solves LUx = Pb for one right-hand side.
func luSolve(lu [][]float64, perm []int, b []float64) []float64 {
	dim := len(lu)
	x := make([]float64, dim)
	for i := 0; i < dim; i++ {
		x[i] = b[perm[i]]
		for j := 0; j < i; j++ {
			x[i] -= lu[i][j] * x[j]
		}
	}
	for i := dim - 1; i >= 0; i-- {
		for j := i + 1; j < dim; j++ {
			x[i] -= lu[i][j] * x[j]
		}
		x[i] /= lu[i][i]
	}
	return x
}
