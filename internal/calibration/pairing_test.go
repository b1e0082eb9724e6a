package calibration_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pairingTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type mockRefSource struct {
	refs       []domain.SensorReading
	refsErr    error
	candidates []domain.SensorReading

	gotSince time.Time
	gotFrom  time.Time
	gotTo    time.Time
}

func (m *mockRefSource) ReferenceReadingsSince(_ context.Context, since time.Time) ([]domain.SensorReading, error) {
	m.gotSince = since
	return m.refs, m.refsErr
}

func (m *mockRefSource) ReadingsInWindow(_ context.Context, _ orb.Bound, from, to time.Time) ([]domain.SensorReading, error) {
	m.gotFrom, m.gotTo = from, to
	return m.candidates, nil
}

type mockPairSink struct {
	pairs []domain.PairedObservation
	err   error
}

func (m *mockPairSink) SavePairedObservations(_ context.Context, obs []domain.PairedObservation) error {
	if m.err != nil {
		return m.err
	}
	m.pairs = append(m.pairs, obs...)
	return nil
}

func refReading(pm float64) domain.SensorReading {
	return domain.SensorReading{
		SensorID:     "stn-ref-1",
		SensorType:   domain.SensorUploaded,
		Location:     orb.Point{-105.27, 40.015},
		TimestampUTC: pairingTime,
		RawPM25:      domain.Float(pm),
	}
}

func candidate(sensorID string, offset time.Duration, pm float64) domain.SensorReading {
	return domain.SensorReading{
		SensorID:     sensorID,
		SensorType:   domain.SensorPurpleAir,
		Location:     orb.Point{-105.2705, 40.0152}, // ~50m from the reference
		TimestampUTC: pairingTime.Add(offset),
		RawPM25:      domain.Float(pm),
	}
}

func newPairer(src *mockRefSource, sink *mockPairSink) *calibration.Pairer {
	return calibration.NewPairer(calibration.DefaultPairingConfig(), src, sink, slog.Default())
}

func TestPairer_MatchesNearestInTimePerSensor(t *testing.T) {
	early := candidate("pa-1", -8*time.Minute, 11.0)
	near := candidate("pa-1", time.Minute, 12.0)
	other := candidate("pa-2", 2*time.Minute, 9.5)
	other.RelativeHumidity = domain.Float(48)
	other.TemperatureC = domain.Float(21)

	src := &mockRefSource{
		refs:       []domain.SensorReading{refReading(10.0)},
		candidates: []domain.SensorReading{early, near, other},
	}
	sink := &mockPairSink{}

	n, err := newPairer(src, sink).Run(context.Background(), pairingTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.pairs, 2)

	byID := map[string]domain.PairedObservation{}
	for _, p := range sink.pairs {
		byID[p.SensorID] = p
	}

	// pa-1 keeps the 1-minute candidate, not the 8-minute one.
	require.Contains(t, byID, "pa-1")
	assert.Equal(t, 12.0, byID["pa-1"].Raw)
	assert.Equal(t, 10.0, byID["pa-1"].Reference)
	assert.Equal(t, pairingTime, byID["pa-1"].ObservedAt)

	// Absent humidity and temperature pair as zero contributions.
	require.Contains(t, byID, "pa-2")
	assert.Equal(t, 48.0, byID["pa-2"].Humidity)
	assert.Equal(t, 21.0, byID["pa-2"].TemperatureC)
	assert.Equal(t, 0.0, byID["pa-1"].Humidity)

	// The candidate window is centered on the reference timestamp.
	assert.Equal(t, pairingTime.Add(-10*time.Minute), src.gotFrom)
	assert.Equal(t, pairingTime.Add(10*time.Minute), src.gotTo)
}

func TestPairer_SkipsIneligibleCandidates(t *testing.T) {
	flagged := candidate("pa-1", 0, 80.0)
	flagged.QCFlags = []domain.QCFlag{domain.FlagSpike}

	valueless := candidate("pa-2", 0, 0)
	valueless.RawPM25 = nil

	uploaded := refReading(10.0)
	uploaded.SensorID = "stn-ref-2"

	far := candidate("pa-3", 0, 10.5)
	far.Location = orb.Point{-105.28, 40.015} // ~850m west

	src := &mockRefSource{
		refs:       []domain.SensorReading{refReading(10.0)},
		candidates: []domain.SensorReading{flagged, valueless, uploaded, far},
	}
	sink := &mockPairSink{}

	n, err := newPairer(src, sink).Run(context.Background(), pairingTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.pairs)
}

func TestPairer_NoReferencesSavesNothing(t *testing.T) {
	src := &mockRefSource{}
	sink := &mockPairSink{err: errors.New("sink must not be called")}

	n, err := newPairer(src, sink).Run(context.Background(), pairingTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPairer_SourceErrorPropagates(t *testing.T) {
	src := &mockRefSource{refsErr: errors.New("db down")}

	_, err := newPairer(src, &mockPairSink{}).Run(context.Background(), pairingTime.Add(-time.Hour))
	assert.Error(t, err)
}
