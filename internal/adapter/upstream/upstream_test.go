package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/adapter/upstream"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	source   domain.SensorType
	payloads [][]byte
	err      error
}

func (m *mockPublisher) PublishRaw(_ context.Context, source domain.SensorType, payloads [][]byte) error {
	if m.err != nil {
		return m.err
	}
	m.source = source
	m.payloads = payloads
	return nil
}

func TestPurpleAirClient_ReshapesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sensors", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Contains(t, r.URL.Query().Get("fields"), "pm2.5_atm")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"fields": ["sensor_index", "latitude", "longitude", "last_seen", "pm2.5_atm", "humidity", "temperature"],
			"data": [
				[101, 40.015, -105.27, 1717243200, 9.4, 48, 71],
				[102, 40.018, -105.28, 1717243260, 11.2, 51, 69]
			]
		}`))
	}))
	defer srv.Close()

	client := upstream.NewPurpleAirClient(srv.URL, "secret", 5*time.Second)
	require.Equal(t, domain.SensorPurpleAir, client.Source())

	payloads, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	// Each payload harmonizes like a native PurpleAir object.
	reading, err := domain.Harmonize(payloads[0], domain.SensorPurpleAir)
	require.NoError(t, err)
	assert.Equal(t, "pa-101", reading.SensorID)
	require.NotNil(t, reading.RawPM25)
	assert.Equal(t, 9.4, *reading.RawPM25)
}

func TestPurpleAirClient_SkipsRaggedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"fields": ["sensor_index", "latitude"],
			"data": [[101, 40.0], [102]]
		}`))
	}))
	defer srv.Close()

	client := upstream.NewPurpleAirClient(srv.URL, "k", 5*time.Second)
	payloads, err := client.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, payloads, 1)
}

func TestOpenAQClient_ForwardsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/measurements", r.URL.Path)
		assert.Equal(t, "pm25", r.URL.Query().Get("parameter"))

		_, _ = w.Write([]byte(`{"results": [
			{"locationId": 3051, "parameter": "pm25", "value": 8.9,
			 "date": {"utc": "2024-06-01T12:00:00Z"},
			 "coordinates": {"latitude": 40.0195, "longitude": -105.2611}}
		]}`))
	}))
	defer srv.Close()

	client := upstream.NewOpenAQClient(srv.URL, 5*time.Second)
	payloads, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	reading, err := domain.Harmonize(payloads[0], domain.SensorOpenAQ)
	require.NoError(t, err)
	assert.Equal(t, "oaq-3051", reading.SensorID)
}

func TestSensorCommunityClient_ForwardsRecords(t *testing.T) {
	record := map[string]any{
		"timestamp": "2024-06-01 12:01:30",
		"sensor":    map[string]any{"id": 20014},
		"location":  map[string]any{"latitude": "40.0187", "longitude": "-105.2759"},
		"sensordatavalues": []map[string]any{
			{"value_type": "P2", "value": "10.35"},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{record})
	}))
	defer srv.Close()

	client := upstream.NewSensorCommunityClient(srv.URL, 5*time.Second)
	payloads, err := client.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, payloads, 1)

	reading, err := domain.Harmonize(payloads[0], domain.SensorCommunity)
	require.NoError(t, err)
	assert.Equal(t, "sc-20014", reading.SensorID)
}

func TestClient_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := upstream.NewOpenAQClient(srv.URL, 5*time.Second)
	_, err := client.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

// --- poller ---

type scriptedFetcher struct {
	source domain.SensorType
	errs   []error // per-call; nil means success
	calls  atomic.Int64
	result [][]byte
}

func (f *scriptedFetcher) Source() domain.SensorType { return f.source }

func (f *scriptedFetcher) Fetch(context.Context) ([][]byte, error) {
	i := int(f.calls.Add(1) - 1)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.result, nil
}

func newPoller(f upstream.Fetcher, pub upstream.Publisher) *upstream.Poller {
	return upstream.NewPoller(f, pub, slog.Default(), observability.NewMetricsForTesting())
}

func TestPoller_PublishesFetchedPayloads(t *testing.T) {
	f := &scriptedFetcher{source: domain.SensorOpenAQ, result: [][]byte{[]byte(`{}`), []byte(`{}`)}}
	pub := &mockPublisher{}

	require.NoError(t, newPoller(f, pub).Poll(context.Background()))
	assert.Equal(t, domain.SensorOpenAQ, pub.source)
	assert.Len(t, pub.payloads, 2)
}

func TestPoller_RetriesTransientFailure(t *testing.T) {
	f := &scriptedFetcher{
		source: domain.SensorOpenAQ,
		errs:   []error{errors.New("timeout"), nil},
		result: [][]byte{[]byte(`{}`)},
	}
	pub := &mockPublisher{}

	require.NoError(t, newPoller(f, pub).Poll(context.Background()))
	assert.Equal(t, int64(2), f.calls.Load())
	assert.Len(t, pub.payloads, 1)
}

func TestPoller_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("connection refused")
	f := &scriptedFetcher{
		source: domain.SensorPurpleAir,
		errs:   []error{boom, boom, boom, boom, boom, boom},
	}
	p := newPoller(f, &mockPublisher{})

	// First cycle burns through the retries and trips the breaker.
	require.Error(t, p.Poll(context.Background()))
	callsAfterFirst := f.calls.Load()
	assert.Equal(t, int64(3), callsAfterFirst)

	// With the breaker open the next cycle does not touch the fetcher.
	require.Error(t, p.Poll(context.Background()))
	assert.Equal(t, callsAfterFirst, f.calls.Load())
}

func TestPoller_EmptyFetchIsNotAnError(t *testing.T) {
	f := &scriptedFetcher{source: domain.SensorOpenAQ}
	pub := &mockPublisher{}

	require.NoError(t, newPoller(f, pub).Poll(context.Background()))
	assert.Nil(t, pub.payloads)
}

func TestPoller_PublishFailurePropagates(t *testing.T) {
	f := &scriptedFetcher{source: domain.SensorOpenAQ, result: [][]byte{[]byte(`{}`)}}
	pub := &mockPublisher{err: errors.New("broker down")}

	assert.Error(t, newPoller(f, pub).Poll(context.Background()))
}
