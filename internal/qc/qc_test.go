package qc_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/qc"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockHistory struct {
	prev map[string]domain.SensorReading
}

func (m *mockHistory) Previous(sensorID string) (domain.SensorReading, bool) {
	r, ok := m.prev[sensorID]
	return r, ok
}

type mockNeighbors struct {
	readings []domain.SensorReading
}

func (m *mockNeighbors) Neighbors(_ orb.Point, _ float64, sensorType domain.SensorType, from, to time.Time) []domain.SensorReading {
	var out []domain.SensorReading
	for _, r := range m.readings {
		if r.SensorType != sensorType {
			continue
		}
		if r.TimestampUTC.Before(from) || r.TimestampUTC.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// --- helpers ---

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func makeReading(id string, pm float64, at time.Time) domain.SensorReading {
	return domain.SensorReading{
		SensorID:     id,
		SensorType:   domain.SensorPurpleAir,
		Location:     orb.Point{-105.0, 40.0},
		TimestampUTC: at,
		RawPM25:      domain.Float(pm),
		Source:       "purpleair",
		QualityScore: 1.0,
	}
}

func newEngine(history qc.History, neighbors qc.NeighborSource) *qc.Engine {
	return qc.New(qc.DefaultConfig(), history, neighbors, slog.Default())
}

// --- tests ---

func TestEvaluate_RangeCheckDropsValueKeepsReading(t *testing.T) {
	e := newEngine(nil, nil)
	r := makeReading("s1", 740, testTime)
	r.RelativeHumidity = domain.Float(50)

	out, added := e.Evaluate(r)

	assert.Equal(t, []domain.QCFlag{domain.FlagOutOfRange}, added)
	assert.Nil(t, out.RawPM25, "out-of-range value is dropped")
	require.NotNil(t, out.RelativeHumidity, "other fields survive")
	assert.Less(t, out.QualityScore, 1.0)
}

func TestEvaluate_SpikeDetection(t *testing.T) {
	history := &mockHistory{prev: map[string]domain.SensorReading{
		"s1": makeReading("s1", 11, testTime.Add(-time.Minute)),
	}}
	e := newEngine(history, nil)

	out, added := e.Evaluate(makeReading("s1", 200, testTime))

	assert.Equal(t, []domain.QCFlag{domain.FlagSpike}, added)
	require.NotNil(t, out.RawPM25, "spiked value is retained")
	assert.Equal(t, 200.0, *out.RawPM25)
}

func TestEvaluate_NoSpikeForGradualChange(t *testing.T) {
	history := &mockHistory{prev: map[string]domain.SensorReading{
		"s1": makeReading("s1", 11, testTime.Add(-30 * time.Minute)),
	}}
	e := newEngine(history, nil)

	_, added := e.Evaluate(makeReading("s1", 200, testTime))

	assert.Empty(t, added, "189 µg/m³ over 30 minutes is below the per-minute threshold")
}

func TestEvaluate_HighHumidity(t *testing.T) {
	e := newEngine(nil, nil)
	r := makeReading("s1", 20, testTime)
	r.RelativeHumidity = domain.Float(91)

	out, added := e.Evaluate(r)

	assert.Equal(t, []domain.QCFlag{domain.FlagHighHumidity}, added)
	assert.NotNil(t, out.RawPM25, "humidity flag retains the value")
	assert.True(t, out.InterpolationEligible(), "HIGH_HUMIDITY alone keeps the reading in the interpolation set")
}

func TestEvaluate_SpatialOutlier(t *testing.T) {
	neighbors := &mockNeighbors{}
	for i, pm := range []float64{10, 11, 12, 10.5} {
		n := makeReading(string(rune('a'+i)), pm, testTime)
		neighbors.readings = append(neighbors.readings, n)
	}
	e := newEngine(nil, neighbors)

	out, added := e.Evaluate(makeReading("s1", 180, testTime))

	assert.Equal(t, []domain.QCFlag{domain.FlagSpatialOutlier}, added)
	assert.False(t, out.InterpolationEligible())
}

func TestEvaluate_SpatialRuleSilentWithFewNeighbors(t *testing.T) {
	neighbors := &mockNeighbors{readings: []domain.SensorReading{
		makeReading("a", 10, testTime),
	}}
	e := newEngine(nil, neighbors)

	_, added := e.Evaluate(makeReading("s1", 180, testTime))

	assert.Empty(t, added, "fewer neighbors than the minimum leaves the rule silent")
}

func TestEvaluate_Deterministic(t *testing.T) {
	history := &mockHistory{prev: map[string]domain.SensorReading{
		"s1": makeReading("s1", 11, testTime.Add(-time.Minute)),
	}}
	neighbors := &mockNeighbors{readings: []domain.SensorReading{
		makeReading("a", 10, testTime),
		makeReading("b", 11, testTime),
		makeReading("c", 12, testTime),
	}}
	e := newEngine(history, neighbors)
	r := makeReading("s1", 200, testTime)
	r.RelativeHumidity = domain.Float(90)

	first, _ := e.Evaluate(r)
	second, _ := e.Evaluate(r)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated evaluation diverged (-first +second):\n%s", diff)
	}
}

func TestEvaluate_IdempotentOnFlaggedReading(t *testing.T) {
	e := newEngine(nil, nil)
	r := makeReading("s1", 20, testTime)
	r.RelativeHumidity = domain.Float(91)

	once, _ := e.Evaluate(r)
	twice, added := e.Evaluate(once)

	assert.Empty(t, added, "re-running QC on a flagged reading adds nothing")
	assert.Equal(t, once.QCFlags, twice.QCFlags)
	assert.Equal(t, once.QualityScore, twice.QualityScore, "score is recomputed from flags, not compounded")
}

func TestEvaluate_RangeBeforeSpike(t *testing.T) {
	// An out-of-range value must not also count as a spike: the range rule
	// drops it before the spike rule runs.
	history := &mockHistory{prev: map[string]domain.SensorReading{
		"s1": makeReading("s1", 11, testTime.Add(-time.Minute)),
	}}
	e := newEngine(history, nil)

	out, added := e.Evaluate(makeReading("s1", 900, testTime))

	assert.Equal(t, []domain.QCFlag{domain.FlagOutOfRange}, added)
	assert.Nil(t, out.RawPM25)
}

func TestEvaluate_AbsentValueOnlyHumidityApplies(t *testing.T) {
	e := newEngine(nil, nil)
	r := domain.SensorReading{
		SensorID:         "s1",
		SensorType:       domain.SensorPurpleAir,
		TimestampUTC:     testTime,
		RelativeHumidity: domain.Float(95),
		QualityScore:     1.0,
	}

	_, added := e.Evaluate(r)

	assert.Equal(t, []domain.QCFlag{domain.FlagHighHumidity}, added)
}
