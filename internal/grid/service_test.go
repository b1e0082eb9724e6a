package grid_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/cache"
	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/grid"
	"github.com/couchcryptid/airgrid-etl/internal/interpolate"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/couchcryptid/airgrid-etl/internal/qc"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTime  = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testBound = orb.Bound{
		Min: orb.Point{-105.280, 40.010},
		Max: orb.Point{-105.268, 40.019},
	}
)

type mockReadings struct {
	readings []domain.SensorReading
	err      error

	gotBound       orb.Bound
	gotFrom, gotTo time.Time
}

func (m *mockReadings) ReadingsInWindow(_ context.Context, bound orb.Bound, from, to time.Time) ([]domain.SensorReading, error) {
	m.gotBound, m.gotFrom, m.gotTo = bound, from, to
	return m.readings, m.err
}

func newService(t *testing.T, readings *mockReadings, withCache bool) *grid.Service {
	t.Helper()

	calStore, err := calibration.NewStore(context.Background(), nil, slog.Default())
	require.NoError(t, err)

	metrics := observability.NewMetricsForTesting()
	engine := interpolate.New(interpolate.Config{
		Power:            2,
		MaxSearchRadiusM: 5000,
		KrigingBudget:    5 * time.Second,
		MaxGridCells:     250_000,
	}, slog.Default(), metrics)

	var artifactCache *cache.ArtifactCache
	if withCache {
		artifactCache = cache.New(10*time.Minute, nil, clockwork.NewFakeClockAt(testTime), slog.Default(), metrics)
	}

	return grid.NewService(grid.DefaultConfig(), readings, calStore, engine, artifactCache, slog.Default(), metrics)
}

func reading(sensorID string, pt orb.Point, pm float64, ts time.Time) domain.SensorReading {
	return domain.SensorReading{
		ID:           sensorID + "-" + ts.Format("150405"),
		SensorID:     sensorID,
		SensorType:   domain.SensorPurpleAir,
		Location:     pt,
		TimestampUTC: ts,
		RawPM25:      domain.Float(pm),
		Source:       "purpleair",
		QualityScore: 1.0,
	}
}

func idwRequest() interpolate.Request {
	return interpolate.Request{
		Bound:       testBound,
		Timestamp:   testTime,
		ResolutionM: 100,
		Method:      domain.MethodIDW,
	}
}

func TestGridForRequest_ValidationFailures(t *testing.T) {
	svc := newService(t, &mockReadings{}, false)
	ctx := context.Background()

	cases := []struct {
		name string
		req  interpolate.Request
	}{
		{"unknown method", interpolate.Request{Bound: testBound, ResolutionM: 100, Method: "cubic"}},
		{"zero resolution", interpolate.Request{Bound: testBound, Method: domain.MethodIDW}},
		{"inverted bbox", interpolate.Request{
			Bound:       orb.Bound{Min: orb.Point{-105.268, 40.019}, Max: orb.Point{-105.280, 40.010}},
			ResolutionM: 100,
			Method:      domain.MethodIDW,
		}},
		{"out of range bbox", interpolate.Request{
			Bound:       orb.Bound{Min: orb.Point{-185, 40}, Max: orb.Point{-105, 41}},
			ResolutionM: 100,
			Method:      domain.MethodIDW,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GridForRequest(ctx, tc.req)
			assert.ErrorIs(t, err, grid.ErrInvalidRequest)
		})
	}
}

func TestGridForRequest_WindowCentersOnTimestamp(t *testing.T) {
	src := &mockReadings{}
	svc := newService(t, src, false)

	_, err := svc.GridForRequest(context.Background(), idwRequest())
	require.NoError(t, err)

	assert.Equal(t, testTime.Add(-30*time.Minute), src.gotFrom)
	assert.Equal(t, testTime.Add(30*time.Minute), src.gotTo)
	assert.Less(t, src.gotBound.Min[0], testBound.Min[0], "query bbox is padded west")
	assert.Greater(t, src.gotBound.Max[1], testBound.Max[1], "query bbox is padded north")
}

func TestGridForRequest_KeepsNearestReadingPerSensor(t *testing.T) {
	pt := orb.Point{-105.274, 40.0145}
	src := &mockReadings{readings: []domain.SensorReading{
		reading("pa-1", pt, 40, testTime.Add(-25*time.Minute)),
		reading("pa-1", pt, 10, testTime.Add(-1*time.Minute)), // nearest wins
	}}
	svc := newService(t, src, false)

	artifact, err := svc.GridForRequest(context.Background(), idwRequest())
	require.NoError(t, err)

	require.True(t, artifact.HasAnyData())
	assert.Equal(t, 1, artifact.Metadata.SensorCount, "one sensor, one observation")
	for _, row := range artifact.Grid {
		for _, cell := range row {
			if cell.HasData {
				assert.InDelta(t, 10.0, cell.Value, 0.01, "single-observation field is flat at the nearest value")
			}
		}
	}
}

func TestGridForRequest_SourceErrorPropagates(t *testing.T) {
	src := &mockReadings{err: errors.New("database gone")}
	svc := newService(t, src, false)

	_, err := svc.GridForRequest(context.Background(), idwRequest())
	assert.Error(t, err)
}

func TestGridForRequest_CachesComputedArtifact(t *testing.T) {
	pt := orb.Point{-105.274, 40.0145}
	src := &mockReadings{readings: []domain.SensorReading{
		reading("pa-1", pt, 10, testTime),
	}}
	svc := newService(t, src, true)

	first, err := svc.GridForRequest(context.Background(), idwRequest())
	require.NoError(t, err)
	require.NotEmpty(t, first.CacheKey)

	// Drop the backing data; a cache hit must still serve the artifact.
	src.readings = nil
	second, err := svc.GridForRequest(context.Background(), idwRequest())
	require.NoError(t, err)
	assert.Equal(t, first.CacheKey, second.CacheKey)
	assert.True(t, second.HasAnyData())
}

func TestCalibrationFor_FirstSightingDefaults(t *testing.T) {
	svc := newService(t, &mockReadings{}, false)

	p := svc.CalibrationFor(context.Background(), "pa-77")
	assert.Equal(t, "pa-77", p.SensorID)
	assert.Equal(t, 1.0, p.Beta)
	assert.True(t, p.IsActive)
}

// Five nearby sensors report plausible values and one reports an obvious
// outlier. The outlier is flagged during ingestion and excluded, so every
// populated cell of the resulting surface stays within the plausible range.
func TestGridForRequest_EndToEndOutlierExcluded(t *testing.T) {
	points := []orb.Point{
		{-105.279, 40.011},
		{-105.277, 40.017},
		{-105.273, 40.013},
		{-105.270, 40.018},
		{-105.269, 40.012},
	}
	values := []float64{10, 12, 11, 9, 200}

	// Harmonize raw PurpleAir payloads the way ingestion does.
	var readings []domain.SensorReading
	for i, v := range values {
		payload, err := json.Marshal(map[string]any{
			"sensor_index": 200 + i,
			"latitude":     points[i][1],
			"longitude":    points[i][0],
			"last_seen":    testTime.Unix(),
			"pm2.5_atm":    v,
		})
		require.NoError(t, err)
		r, err := domain.Harmonize(payload, domain.SensorPurpleAir)
		require.NoError(t, err)
		readings = append(readings, r)
	}

	// Run QC with the batch itself as the neighbor context.
	engine := qc.New(qc.DefaultConfig(), nil, neighborSet(readings), slog.Default())
	flagged := make([]domain.SensorReading, len(readings))
	for i, r := range readings {
		flagged[i], _ = engine.Evaluate(r)
	}

	require.True(t, flagged[4].HasFlag(domain.FlagSpatialOutlier), "the 200 µg/m³ reading is an outlier among 9-12")
	require.False(t, flagged[4].InterpolationEligible())

	src := &mockReadings{readings: flagged}
	svc := newService(t, src, false)

	artifact, err := svc.GridForRequest(context.Background(), idwRequest())
	require.NoError(t, err)

	require.True(t, artifact.HasAnyData())
	assert.Equal(t, 4, artifact.Metadata.SensorCount, "outlier excluded from the observation set")
	for _, row := range artifact.Grid {
		for _, cell := range row {
			if !cell.HasData {
				continue
			}
			assert.GreaterOrEqual(t, cell.Value, 9.0)
			assert.LessOrEqual(t, cell.Value, 12.0)
			assert.Greater(t, cell.Variance, 0.0)
		}
	}
}

// neighborSet adapts a fixed batch of readings to the QC neighbor lookup.
type neighborSet []domain.SensorReading

func (n neighborSet) Neighbors(_ orb.Point, _ float64, sensorType domain.SensorType, _, _ time.Time) []domain.SensorReading {
	var out []domain.SensorReading
	for _, r := range n {
		if r.SensorType == sensorType {
			out = append(out, r)
		}
	}
	return out
}
