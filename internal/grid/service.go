// Package grid serves interpolated surface requests: it assembles the
// observation set from stored readings, applies per-sensor calibration, and
// runs the interpolation engine behind the artifact cache.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/cache"
	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/interpolate"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/paulmach/orb"
)

// ErrInvalidRequest marks request validation failures the HTTP layer maps
// to 400 responses.
var ErrInvalidRequest = errors.New("invalid grid request")

// ReadingSource returns stored readings for the observation window.
type ReadingSource interface {
	ReadingsInWindow(ctx context.Context, bound orb.Bound, from, to time.Time) ([]domain.SensorReading, error)
}

// Config holds the request-assembly tunables.
type Config struct {
	TimeWindow      time.Duration // total width of the observation window
	TimeGranularity time.Duration // cache key timestamp bucket
	SearchMarginM   float64       // bbox padding so border cells see outside sensors
	MaxResolutionM  float64
	MinResolutionM  float64
}

// DefaultConfig returns the assembly tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		TimeWindow:      time.Hour,
		TimeGranularity: 5 * time.Minute,
		SearchMarginM:   5000,
		MaxResolutionM:  10000,
		MinResolutionM:  10,
	}
}

// Service answers grid requests.
type Service struct {
	cfg          Config
	readings     ReadingSource
	calibrations *calibration.Store
	engine       *interpolate.Engine
	cache        *cache.ArtifactCache
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// NewService wires the grid service together. cache may be nil to compute
// every request.
func NewService(cfg Config, readings ReadingSource, calibrations *calibration.Store, engine *interpolate.Engine, artifactCache *cache.ArtifactCache, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:          cfg,
		readings:     readings,
		calibrations: calibrations,
		engine:       engine,
		cache:        artifactCache,
		logger:       logger,
		metrics:      metrics,
	}
}

// GridForRequest returns the artifact for the request, from cache when a
// fresh one exists. A zero timestamp means "now".
func (s *Service) GridForRequest(ctx context.Context, req interpolate.Request) (domain.GridArtifact, error) {
	if err := s.validate(&req); err != nil {
		s.metrics.GridRequests.WithLabelValues(string(req.Method), "invalid").Inc()
		return domain.GridArtifact{}, err
	}

	compute := func(ctx context.Context) (domain.GridArtifact, error) {
		return s.compute(ctx, req)
	}

	var (
		artifact domain.GridArtifact
		err      error
	)
	if s.cache != nil {
		key := cache.Key(req.Bound, req.Timestamp, req.ResolutionM, req.Method, s.cfg.TimeGranularity)
		artifact, err = s.cache.GetOrCompute(ctx, key, compute)
	} else {
		artifact, err = compute(ctx)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.GridRequests.WithLabelValues(string(req.Method), outcome).Inc()
	return artifact, err
}

// CalibrationFor reports the current parameters for a sensor, creating
// defaults on first sighting.
func (s *Service) CalibrationFor(ctx context.Context, sensorID string) domain.CalibrationParameters {
	return s.calibrations.Get(ctx, sensorID)
}

func (s *Service) validate(req *interpolate.Request) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = domain.Clock().Now().UTC()
	}
	if !domain.KnownMethod(req.Method) {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}
	if req.ResolutionM < s.cfg.MinResolutionM || req.ResolutionM > s.cfg.MaxResolutionM {
		return fmt.Errorf("%w: resolution %.0fm outside [%.0f, %.0f]", ErrInvalidRequest, req.ResolutionM, s.cfg.MinResolutionM, s.cfg.MaxResolutionM)
	}
	b := req.Bound
	if b.Min[0] >= b.Max[0] || b.Min[1] >= b.Max[1] {
		return fmt.Errorf("%w: degenerate bounding box", ErrInvalidRequest)
	}
	if b.Min[1] < -90 || b.Max[1] > 90 || b.Min[0] < -180 || b.Max[0] > 180 {
		return fmt.Errorf("%w: bounding box out of range", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) compute(ctx context.Context, req interpolate.Request) (domain.GridArtifact, error) {
	half := s.cfg.TimeWindow / 2
	from, to := req.Timestamp.Add(-half), req.Timestamp.Add(half)

	stored, err := s.readings.ReadingsInWindow(ctx, padBound(req.Bound, s.cfg.SearchMarginM), from, to)
	if err != nil {
		return domain.GridArtifact{}, fmt.Errorf("load observation window: %w", err)
	}

	obs := s.assemble(ctx, stored, req.Timestamp)
	s.logger.Debug("grid request assembled",
		"stored", len(stored),
		"observations", len(obs),
		"method", req.Method,
	)
	return s.engine.Interpolate(ctx, req, obs)
}

// assemble keeps each sensor's reading nearest the request timestamp,
// filters out QC-rejected records, and calibrates the survivors.
func (s *Service) assemble(ctx context.Context, stored []domain.SensorReading, ts time.Time) []interpolate.Observation {
	nearest := make(map[string]domain.SensorReading, len(stored))
	for _, r := range stored {
		if !r.InterpolationEligible() {
			continue
		}
		best, ok := nearest[r.SensorID]
		if !ok || timeDistance(r.TimestampUTC, ts) < timeDistance(best.TimestampUTC, ts) {
			nearest[r.SensorID] = r
		}
	}

	obs := make([]interpolate.Observation, 0, len(nearest))
	for _, r := range nearest {
		params := s.calibrations.Get(ctx, r.SensorID)
		cv, ok := calibration.ApplyOrFallback(&r, params)
		if !ok {
			continue
		}
		obs = append(obs, interpolate.Observation{
			Point: r.Location,
			Value: cv.Value,
			Sigma: cv.Sigma,
		})
	}
	return obs
}

func timeDistance(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

// padBound grows the bbox by marginM meters on every side so sensors just
// outside it can still influence border cells.
func padBound(b orb.Bound, marginM float64) orb.Bound {
	if marginM <= 0 {
		return b
	}
	const metersPerDegreeLat = 111_320.0
	dLat := marginM / metersPerDegreeLat

	midLat := (b.Min[1] + b.Max[1]) / 2
	cos := math.Cos(midLat * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01 // polar guard
	}
	dLon := marginM / (metersPerDegreeLat * cos)

	return orb.Bound{
		Min: orb.Point{clampLon(b.Min[0] - dLon), clampLat(b.Min[1] - dLat)},
		Max: orb.Point{clampLon(b.Max[0] + dLon), clampLat(b.Max[1] + dLat)},
	}
}

func clampLat(v float64) float64 { return math.Max(-90, math.Min(90, v)) }

func clampLon(v float64) float64 { return math.Max(-180, math.Min(180, v)) }
