// Package qc evaluates harmonized readings against a fixed, ordered rule
// set: range check, spike detection, humidity flag, spatial consistency.
// Rules only ever add flags; a rule failure is logged and adds nothing, so
// QC never rejects a batch.
package qc

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Config holds the QC thresholds. The spike threshold, spatial radius, and
// spatial deviation multiple are deployment decisions, not constants.
type Config struct {
	RangeMin float64 // µg/m³, lower bound of plausible PM2.5
	RangeMax float64 // µg/m³, upper bound of plausible PM2.5

	SpikeThreshold float64 // µg/m³ per minute of allowed change

	HumidityLimit float64 // %RH above which optical sensors overcount

	SpatialRadiusM      float64       // neighbor search radius
	SpatialWindow       time.Duration // neighbor time window (each side)
	SpatialMADFactor    float64       // allowed deviation as a multiple of the MAD
	SpatialMinNeighbors int           // below this, the spatial rule stays silent
	SpatialMinSpread    float64       // µg/m³ floor for the local spread
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		RangeMin:            0,
		RangeMax:            500,
		SpikeThreshold:      50,
		HumidityLimit:       85,
		SpatialRadiusM:      2000,
		SpatialWindow:       30 * time.Minute,
		SpatialMADFactor:    3,
		SpatialMinNeighbors: 3,
		SpatialMinSpread:    2,
	}
}

// History supplies a sensor's previous accepted reading for spike detection.
// An accepted reading is one whose concentration survived QC.
type History interface {
	Previous(sensorID string) (domain.SensorReading, bool)
}

// NeighborSource supplies recent same-type readings near a point. It reads
// an eventually-consistent snapshot and must not block on writes.
type NeighborSource interface {
	Neighbors(center orb.Point, radiusM float64, sensorType domain.SensorType, from, to time.Time) []domain.SensorReading
}

// flagScores maps each flag to the factor it applies to the quality score.
// The score is recomputed from the full flag set on every evaluation so QC
// stays idempotent.
var flagScores = map[domain.QCFlag]float64{
	domain.FlagOutOfRange:     0.2,
	domain.FlagSpike:          0.5,
	domain.FlagHighHumidity:   0.8,
	domain.FlagSpatialOutlier: 0.5,
	domain.FlagUncalibrated:   0.9,
}

// Engine runs the rule chain.
type Engine struct {
	cfg       Config
	history   History
	neighbors NeighborSource
	logger    *slog.Logger
}

// New creates a QC engine. history and neighbors may be nil; the spike and
// spatial rules stay silent without them.
func New(cfg Config, history History, neighbors NeighborSource, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, history: history, neighbors: neighbors, logger: logger}
}

// Evaluate runs the rules in their fixed order and returns the corrected
// reading plus the flags added by this evaluation. Later rules see the
// corrections of earlier ones. Re-evaluating an already-flagged reading
// against the same neighbor context reproduces the same flags.
func (e *Engine) Evaluate(reading domain.SensorReading) (domain.SensorReading, []domain.QCFlag) {
	var added []domain.QCFlag

	rules := []struct {
		name  string
		apply func(*domain.SensorReading) (domain.QCFlag, bool, error)
	}{
		{"range", e.rangeCheck},
		{"spike", e.spikeCheck},
		{"humidity", e.humidityCheck},
		{"spatial", e.spatialCheck},
	}

	for _, rule := range rules {
		flag, flagged, err := e.applyRule(rule.name, rule.apply, &reading)
		if err != nil {
			// Rule failure is non-fatal: no flag, score untouched.
			e.logger.Warn("qc rule failed",
				"rule", rule.name,
				"sensor_id", reading.SensorID,
				"error", err,
			)
			continue
		}
		if flagged && !reading.HasFlag(flag) {
			reading.AddFlag(flag)
			added = append(added, flag)
		}
	}

	reading.QualityScore = scoreFromFlags(reading.QCFlags)
	return reading, added
}

// applyRule shields the chain from a panicking rule.
func (e *Engine) applyRule(name string, fn func(*domain.SensorReading) (domain.QCFlag, bool, error), r *domain.SensorReading) (flag domain.QCFlag, flagged bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			flag, flagged = "", false
			err = fmt.Errorf("rule %s panicked: %v", name, p)
		}
	}()
	return fn(r)
}

// rangeCheck drops concentrations outside the plausible range. The value is
// set absent; the reading survives for its other fields.
func (e *Engine) rangeCheck(r *domain.SensorReading) (domain.QCFlag, bool, error) {
	if r.RawPM25 == nil {
		return "", false, nil
	}
	if *r.RawPM25 < e.cfg.RangeMin || *r.RawPM25 > e.cfg.RangeMax {
		r.RawPM25 = nil
		return domain.FlagOutOfRange, true, nil
	}
	return "", false, nil
}

// spikeCheck compares against the sensor's previous accepted reading. The
// value is retained; calibration fitting excludes spiked readings.
func (e *Engine) spikeCheck(r *domain.SensorReading) (domain.QCFlag, bool, error) {
	if e.history == nil || r.RawPM25 == nil {
		return "", false, nil
	}
	prev, ok := e.history.Previous(r.SensorID)
	if !ok || prev.RawPM25 == nil {
		return "", false, nil
	}
	dt := r.TimestampUTC.Sub(prev.TimestampUTC).Minutes()
	if dt <= 0 {
		return "", false, nil
	}
	rate := math.Abs(*r.RawPM25-*prev.RawPM25) / dt
	if rate > e.cfg.SpikeThreshold {
		return domain.FlagSpike, true, nil
	}
	return "", false, nil
}

// humidityCheck flags readings taken above the humidity limit. The value is
// retained; downstream calibration inflates its uncertainty.
func (e *Engine) humidityCheck(r *domain.SensorReading) (domain.QCFlag, bool, error) {
	if r.RelativeHumidity != nil && *r.RelativeHumidity > e.cfg.HumidityLimit {
		return domain.FlagHighHumidity, true, nil
	}
	return "", false, nil
}

// spatialCheck compares the reading against the median of nearby same-type
// sensors. Deviation beyond SpatialMADFactor times the local spread (MAD,
// floored at SpatialMinSpread) flags the reading as a spatial outlier.
func (e *Engine) spatialCheck(r *domain.SensorReading) (domain.QCFlag, bool, error) {
	if e.neighbors == nil || r.RawPM25 == nil {
		return "", false, nil
	}
	from := r.TimestampUTC.Add(-e.cfg.SpatialWindow)
	to := r.TimestampUTC.Add(e.cfg.SpatialWindow)
	nearby := e.neighbors.Neighbors(r.Location, e.cfg.SpatialRadiusM, r.SensorType, from, to)

	values := make([]float64, 0, len(nearby))
	for _, n := range nearby {
		if n.SensorID == r.SensorID || n.RawPM25 == nil {
			continue
		}
		if geo.Distance(r.Location, n.Location) > e.cfg.SpatialRadiusM {
			continue
		}
		values = append(values, *n.RawPM25)
	}
	if len(values) < e.cfg.SpatialMinNeighbors {
		return "", false, nil
	}

	med := median(values)
	spread := math.Max(mad(values, med), e.cfg.SpatialMinSpread)
	if math.Abs(*r.RawPM25-med) > e.cfg.SpatialMADFactor*spread {
		return domain.FlagSpatialOutlier, true, nil
	}
	return "", false, nil
}

// scoreFromFlags derives the quality score from the full flag set.
func scoreFromFlags(flags []domain.QCFlag) float64 {
	score := 1.0
	for _, f := range flags {
		if factor, ok := flagScores[f]; ok {
			score *= factor
		}
	}
	return score
}

// median returns the middle value; it copies before sorting so callers keep
// their order.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// mad is the median absolute deviation around center.
func mad(values []float64, center float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - center)
	}
	return median(devs)
}
