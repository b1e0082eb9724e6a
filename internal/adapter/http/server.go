// Package http exposes the service API: health and metrics endpoints plus
// the grid, calibration, and upload routes.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/grid"
	"github.com/couchcryptid/airgrid-etl/internal/interpolate"
	"github.com/couchcryptid/airgrid-etl/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// GridService answers interpolated-surface and calibration queries.
type GridService interface {
	GridForRequest(ctx context.Context, req interpolate.Request) (domain.GridArtifact, error)
	CalibrationFor(ctx context.Context, sensorID string) domain.CalibrationParameters
}

// UploadIngestor accepts a single uploaded reading payload.
type UploadIngestor interface {
	IngestUploaded(ctx context.Context, payload []byte) (domain.SensorReading, error)
}

// Server exposes the HTTP API.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

const defaultResolutionM = 250

// NewServer builds the router and wires the handlers. ingest may be nil to
// disable the upload route.
func NewServer(addr string, ready ReadinessChecker, grids GridService, ingest UploadIngestor, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      engine,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: engine,
		logger: logger,
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	engine.GET("/readyz", handleReady(ready))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.GET("/grid", handleGrid(grids))
	v1.GET("/sensors/:sensor_id/calibration", handleCalibration(grids))
	if ingest != nil {
		v1.POST("/readings", handleUpload(ingest))
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

func handleReady(checker ReadinessChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// handleGrid serves GET /v1/grid?bbox=minLon,minLat,maxLon,maxLat
// [&timestamp=RFC3339][&resolution_m=250][&method=idw|kriging].
func handleGrid(grids GridService) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := parseGridQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		artifact, err := grids.GridForRequest(c.Request.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, grid.ErrInvalidRequest) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, artifact)
	}
}

func parseGridQuery(c *gin.Context) (interpolate.Request, error) {
	var req interpolate.Request

	bound, err := parseBBox(c.Query("bbox"))
	if err != nil {
		return req, err
	}
	req.Bound = bound

	req.ResolutionM = defaultResolutionM
	if v := c.Query("resolution_m"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, errors.New("invalid resolution_m: " + v)
		}
		req.ResolutionM = r
	}

	req.Method = domain.MethodIDW
	if v := c.Query("method"); v != "" {
		req.Method = domain.Method(v)
	}

	if v := c.Query("timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, errors.New("invalid timestamp, want RFC 3339: " + v)
		}
		req.Timestamp = ts
	}
	return req, nil
}

func parseBBox(s string) (orb.Bound, error) {
	if s == "" {
		return orb.Bound{}, errors.New("missing required parameter bbox")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, errors.New("bbox wants minLon,minLat,maxLon,maxLat")
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, errors.New("bbox has a non-numeric component: " + p)
		}
		vals[i] = v
	}
	return orb.Bound{
		Min: orb.Point{vals[0], vals[1]},
		Max: orb.Point{vals[2], vals[3]},
	}, nil
}

func handleCalibration(grids GridService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sensorID := c.Param("sensor_id")
		if strings.TrimSpace(sensorID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing sensor_id"})
			return
		}
		c.JSON(http.StatusOK, grids.CalibrationFor(c.Request.Context(), sensorID))
	}
}

// handleUpload serves POST /v1/readings: one uploaded payload per request.
func handleUpload(ingest UploadIngestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		reading, err := ingest.IngestUploaded(c.Request.Context(), payload)
		if err != nil {
			if errors.Is(err, pipeline.ErrIngestUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			// Anything else is the payload's fault.
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"id":            reading.ID,
			"sensor_id":     reading.SensorID,
			"qc_flags":      reading.QCFlags,
			"quality_score": reading.QualityScore,
		})
	}
}

// requestLogger logs one line per request at debug level; health probes are
// too chatty for info.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
