package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// PairingConfig tunes how reference readings are matched to sensors.
type PairingConfig struct {
	ColocationRadiusM float64       // max distance between reference and sensor
	TimeTolerance     time.Duration // max timestamp difference within a pair
}

// DefaultPairingConfig returns the co-location tunables used when none are
// configured.
func DefaultPairingConfig() PairingConfig {
	return PairingConfig{
		ColocationRadiusM: 250,
		TimeTolerance:     10 * time.Minute,
	}
}

// ReferenceSource lists stored reference-monitor readings and the candidate
// sensor readings around them.
type ReferenceSource interface {
	ReferenceReadingsSince(ctx context.Context, since time.Time) ([]domain.SensorReading, error)
	ReadingsInWindow(ctx context.Context, bound orb.Bound, from, to time.Time) ([]domain.SensorReading, error)
}

// PairSink persists the matched pairs. Duplicate (sensor, observed_at)
// pairs are expected across sweeps and must be ignored by the sink.
type PairSink interface {
	SavePairedObservations(ctx context.Context, obs []domain.PairedObservation) error
}

// Pairer builds paired observations by matching each reference-monitor
// reading against co-located sensor readings: same window in time, within
// the co-location radius, nearest-in-time reading per sensor. The pairs
// feed the recalibration sweep.
type Pairer struct {
	cfg    PairingConfig
	source ReferenceSource
	sink   PairSink
	logger *slog.Logger
}

// NewPairer creates a pairing sweep.
func NewPairer(cfg PairingConfig, source ReferenceSource, sink PairSink, logger *slog.Logger) *Pairer {
	return &Pairer{cfg: cfg, source: source, sink: sink, logger: logger}
}

// Run matches reference readings observed since the cutoff and persists the
// resulting pairs, returning how many were saved.
func (p *Pairer) Run(ctx context.Context, since time.Time) (int, error) {
	refs, err := p.source.ReferenceReadingsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load reference readings: %w", err)
	}

	var pairs []domain.PairedObservation
	for _, ref := range refs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		matched, err := p.pairsFor(ctx, ref)
		if err != nil {
			return 0, err
		}
		pairs = append(pairs, matched...)
	}

	if len(pairs) == 0 {
		return 0, nil
	}
	if err := p.sink.SavePairedObservations(ctx, pairs); err != nil {
		return 0, fmt.Errorf("save paired observations: %w", err)
	}
	p.logger.Info("pairing sweep complete", "references", len(refs), "pairs", len(pairs))
	return len(pairs), nil
}

// pairsFor matches one reference reading against nearby sensor readings,
// keeping the nearest-in-time candidate per sensor.
func (p *Pairer) pairsFor(ctx context.Context, ref domain.SensorReading) ([]domain.PairedObservation, error) {
	if ref.RawPM25 == nil {
		return nil, nil
	}
	from := ref.TimestampUTC.Add(-p.cfg.TimeTolerance)
	to := ref.TimestampUTC.Add(p.cfg.TimeTolerance)

	candidates, err := p.source.ReadingsInWindow(ctx, colocationBound(ref.Location, p.cfg.ColocationRadiusM), from, to)
	if err != nil {
		return nil, fmt.Errorf("load candidates for %s: %w", ref.SensorID, err)
	}

	best := map[string]domain.SensorReading{}
	for _, c := range candidates {
		if c.SensorType == domain.SensorUploaded || c.RawPM25 == nil {
			continue
		}
		// Only spike-free, in-range values are worth fitting against.
		if c.HasFlag(domain.FlagSpike) || c.HasFlag(domain.FlagSpatialOutlier) {
			continue
		}
		if geo.Distance(ref.Location, c.Location) > p.cfg.ColocationRadiusM {
			continue
		}
		if have, ok := best[c.SensorID]; ok && timeDistance(have, ref) <= timeDistance(c, ref) {
			continue
		}
		best[c.SensorID] = c
	}

	pairs := make([]domain.PairedObservation, 0, len(best))
	for _, c := range best {
		pairs = append(pairs, domain.PairedObservation{
			SensorID:     c.SensorID,
			ObservedAt:   ref.TimestampUTC,
			Reference:    *ref.RawPM25,
			Raw:          *c.RawPM25,
			Humidity:     deref(c.RelativeHumidity),
			TemperatureC: deref(c.TemperatureC),
		})
	}
	return pairs, nil
}

func timeDistance(r, ref domain.SensorReading) time.Duration {
	d := r.TimestampUTC.Sub(ref.TimestampUTC)
	if d < 0 {
		d = -d
	}
	return d
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// colocationBound converts the radius to a degree bounding box with the
// equirectangular approximation; exact distance is re-checked per candidate.
func colocationBound(center orb.Point, radiusM float64) orb.Bound {
	dLat := radiusM / 111320.0
	cosLat := math.Cos(center[1] * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusM / (111320.0 * cosLat)

	return orb.Bound{
		Min: orb.Point{center[0] - dLon, center[1] - dLat},
		Max: orb.Point{center[0] + dLon, center[1] + dLat},
	}
}
