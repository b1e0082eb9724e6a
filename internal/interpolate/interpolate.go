// Package interpolate turns a set of calibrated point observations into a
// gridded PM2.5 field with per-cell variance, by inverse distance weighting
// or universal kriging. Both estimators are fully deterministic: identical
// inputs produce bit-for-bit identical grids.
package interpolate

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// ErrSingularSystem means the kriging covariance matrix is not invertible:
// degenerate geometry or fewer than 3 non-collinear observations.
var ErrSingularSystem = errors.New("kriging system is singular")

// ErrTimeoutExceeded means the kriging solve ran past the configured
// compute budget.
var ErrTimeoutExceeded = errors.New("kriging compute budget exceeded")

// Observation is one calibrated, QC-passed input point.
type Observation struct {
	Point orb.Point // lon, lat
	Value float64   // calibrated PM2.5, µg/m³
	Sigma float64   // combined uncertainty, µg/m³
}

// Request describes one interpolation job.
type Request struct {
	Bound       orb.Bound
	Timestamp   time.Time
	ResolutionM float64
	Method      domain.Method
}

// Config holds the interpolation tunables.
type Config struct {
	Power            float64       // IDW distance exponent
	MaxSearchRadiusM float64       // beyond this, a cell sees no sensor
	KrigingBudget    time.Duration // compute budget before falling back
	MaxGridCells     int           // guard against absurd bbox/resolution combos
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		Power:            2,
		MaxSearchRadiusM: 5000,
		KrigingBudget:    10 * time.Second,
		MaxGridCells:     250_000,
	}
}

// Engine computes grid artifacts.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an interpolation engine.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{cfg: cfg, logger: logger, metrics: metrics}
}

// Interpolate produces the grid artifact for the request. Kriging falls
// back to IDW automatically when the system is singular or the compute
// budget runs out; the effective method lands in the artifact metadata so
// callers can see the divergence. An empty observation set yields an
// artifact of all no-data cells rather than an error.
func (e *Engine) Interpolate(ctx context.Context, req Request, obs []Observation) (domain.GridArtifact, error) {
	start := domain.Clock().Now()

	g, err := newGrid(req.Bound, req.ResolutionM, e.cfg.MaxGridCells)
	if err != nil {
		return domain.GridArtifact{}, err
	}

	effective := req.Method
	var fallbackFrom domain.Method

	var cells [][]domain.GridCell
	switch req.Method {
	case domain.MethodKriging:
		krigCtx := ctx
		if e.cfg.KrigingBudget > 0 {
			var cancel context.CancelFunc
			krigCtx, cancel = context.WithTimeout(ctx, e.cfg.KrigingBudget)
			defer cancel()
		}
		cells, err = e.kriging(krigCtx, g, obs)
		if err != nil {
			if !errors.Is(err, ErrSingularSystem) && !errors.Is(err, ErrTimeoutExceeded) {
				return domain.GridArtifact{}, err
			}
			e.logger.Warn("kriging failed, falling back to idw",
				"reason", err,
				"observations", len(obs),
			)
			e.metrics.InterpolationFallbacks.Inc()
			fallbackFrom = domain.MethodKriging
			effective = domain.MethodIDW
			cells = e.idw(g, obs)
		}
	case domain.MethodIDW:
		cells = e.idw(g, obs)
	default:
		return domain.GridArtifact{}, errors.New("unknown interpolation method: " + string(req.Method))
	}

	elapsed := domain.Clock().Now().Sub(start)
	e.metrics.InterpolationDuration.WithLabelValues(string(effective)).Observe(elapsed.Seconds())

	return domain.GridArtifact{
		Bound:        req.Bound,
		TimestampUTC: req.Timestamp.UTC(),
		ResolutionM:  req.ResolutionM,
		Method:       req.Method,
		Grid:         cells,
		Metadata: domain.GridMetadata{
			SensorCount:   len(obs),
			ComputeMillis: elapsed.Milliseconds(),
			Method:        effective,
			FallbackFrom:  fallbackFrom,
		},
	}, nil
}

// grid is the cell geometry of one request. Rows run south to north,
// columns west to east; cell centers are computed in degrees.
type grid struct {
	bound      orb.Bound
	rows, cols int
	dLat, dLon float64 // cell size in degrees
}

var errGridTooLarge = errors.New("grid exceeds the configured cell limit")

func newGrid(bound orb.Bound, resolutionM float64, maxCells int) (grid, error) {
	if resolutionM <= 0 {
		return grid{}, errors.New("resolution must be positive")
	}

	widthM := geo.Distance(
		orb.Point{bound.Min[0], bound.Min[1]},
		orb.Point{bound.Max[0], bound.Min[1]},
	)
	heightM := geo.Distance(
		orb.Point{bound.Min[0], bound.Min[1]},
		orb.Point{bound.Min[0], bound.Max[1]},
	)

	cols := int(math.Ceil(widthM / resolutionM))
	rows := int(math.Ceil(heightM / resolutionM))
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	if maxCells > 0 && rows*cols > maxCells {
		return grid{}, errGridTooLarge
	}

	return grid{
		bound: bound,
		rows:  rows,
		cols:  cols,
		dLat:  (bound.Max[1] - bound.Min[1]) / float64(rows),
		dLon:  (bound.Max[0] - bound.Min[0]) / float64(cols),
	}, nil
}

// center returns the cell center for (row, col).
func (g grid) center(row, col int) orb.Point {
	return orb.Point{
		g.bound.Min[0] + (float64(col)+0.5)*g.dLon,
		g.bound.Min[1] + (float64(row)+0.5)*g.dLat,
	}
}

func (g grid) emptyCells() [][]domain.GridCell {
	cells := make([][]domain.GridCell, g.rows)
	for i := range cells {
		cells[i] = make([]domain.GridCell, g.cols)
	}
	return cells
}
