package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	httpadapter "github.com/couchcryptid/airgrid-etl/internal/adapter/http"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/grid"
	"github.com/couchcryptid/airgrid-etl/internal/interpolate"
	"github.com/couchcryptid/airgrid-etl/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockGrids struct {
	gotReq   interpolate.Request
	artifact domain.GridArtifact
	err      error
}

func (m *mockGrids) GridForRequest(_ context.Context, req interpolate.Request) (domain.GridArtifact, error) {
	m.gotReq = req
	return m.artifact, m.err
}

func (m *mockGrids) CalibrationFor(_ context.Context, sensorID string) domain.CalibrationParameters {
	return domain.DefaultCalibration(sensorID, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

type mockIngest struct {
	reading domain.SensorReading
	err     error
}

func (m *mockIngest) IngestUploaded(_ context.Context, _ []byte) (domain.SensorReading, error) {
	return m.reading, m.err
}

func newTestServer(readyErr error, grids *mockGrids, ingest *mockIngest) *httpadapter.Server {
	var up httpadapter.UploadIngestor
	if ingest != nil {
		up = ingest
	}
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, grids, up, slog.Default())
}

func do(srv *httpadapter.Server, method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)
	rec := do(srv, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)
	rec := do(srv, http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("not ready yet"), &mockGrids{}, nil)
	rec := do(srv, http.MethodGet, "/readyz", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)
	rec := do(srv, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestGrid_ParsesQuery(t *testing.T) {
	grids := &mockGrids{artifact: domain.GridArtifact{CacheKey: "k"}}
	srv := newTestServer(nil, grids, nil)

	rec := do(srv, http.MethodGet,
		"/v1/grid?bbox=-105.28,40.01,-105.26,40.02&resolution_m=100&method=kriging&timestamp=2024-06-01T12:00:00Z", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, -105.28, grids.gotReq.Bound.Min[0])
	assert.Equal(t, 40.02, grids.gotReq.Bound.Max[1])
	assert.Equal(t, 100.0, grids.gotReq.ResolutionM)
	assert.Equal(t, domain.MethodKriging, grids.gotReq.Method)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), grids.gotReq.Timestamp.UTC())

	var artifact domain.GridArtifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifact))
	assert.Equal(t, "k", artifact.CacheKey)
}

func TestGrid_DefaultsResolutionAndMethod(t *testing.T) {
	grids := &mockGrids{}
	srv := newTestServer(nil, grids, nil)

	rec := do(srv, http.MethodGet, "/v1/grid?bbox=-105.28,40.01,-105.26,40.02", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 250.0, grids.gotReq.ResolutionM)
	assert.Equal(t, domain.MethodIDW, grids.gotReq.Method)
	assert.True(t, grids.gotReq.Timestamp.IsZero(), "zero timestamp means now, resolved by the service")
}

func TestGrid_BadQueries(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)

	for _, target := range []string{
		"/v1/grid",
		"/v1/grid?bbox=1,2,3",
		"/v1/grid?bbox=a,b,c,d",
		"/v1/grid?bbox=-105.28,40.01,-105.26,40.02&resolution_m=tiny",
		"/v1/grid?bbox=-105.28,40.01,-105.26,40.02&timestamp=yesterday",
	} {
		rec := do(srv, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGrid_InvalidRequestMapsTo400(t *testing.T) {
	grids := &mockGrids{err: fmt.Errorf("%w: unknown method", grid.ErrInvalidRequest)}
	srv := newTestServer(nil, grids, nil)

	rec := do(srv, http.MethodGet, "/v1/grid?bbox=-105.28,40.01,-105.26,40.02&method=cubic", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGrid_ServiceErrorMapsTo500(t *testing.T) {
	grids := &mockGrids{err: errors.New("database gone")}
	srv := newTestServer(nil, grids, nil)

	rec := do(srv, http.MethodGet, "/v1/grid?bbox=-105.28,40.01,-105.26,40.02", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCalibrationEndpoint(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)

	rec := do(srv, http.MethodGet, "/v1/sensors/pa-100/calibration", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var params domain.CalibrationParameters
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &params))
	assert.Equal(t, "pa-100", params.SensorID)
	assert.Equal(t, 1.0, params.Beta)
	assert.True(t, params.IsActive)
}

func TestUpload_Accepted(t *testing.T) {
	ingest := &mockIngest{reading: domain.SensorReading{
		ID:           "abc",
		SensorID:     "stn-1",
		QualityScore: 1.0,
	}}
	srv := newTestServer(nil, &mockGrids{}, ingest)

	rec := do(srv, http.MethodPost, "/v1/readings", `{"sensor_id":"stn-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, "stn-1", body["sensor_id"])
}

func TestUpload_BadPayloadMapsTo400(t *testing.T) {
	ingest := &mockIngest{err: &domain.HarmonizationError{
		Source: domain.SensorUploaded,
		Field:  "sensor_id",
		Reason: "sensor_id absent",
	}}
	srv := newTestServer(nil, &mockGrids{}, ingest)

	rec := do(srv, http.MethodPost, "/v1/readings", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload_StoreDownMapsTo503(t *testing.T) {
	ingest := &mockIngest{err: fmt.Errorf("%w: connection refused", pipeline.ErrIngestUnavailable)}
	srv := newTestServer(nil, &mockGrids{}, ingest)

	rec := do(srv, http.MethodPost, "/v1/readings", `{"sensor_id":"stn-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUpload_DisabledWithoutIngestor(t *testing.T) {
	srv := newTestServer(nil, &mockGrids{}, nil)

	rec := do(srv, http.MethodPost, "/v1/readings", `{"sensor_id":"stn-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
