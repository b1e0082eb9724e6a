package store

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/paulmach/orb"
)

// qcLookupTimeout bounds the synchronous lookups the QC rules make per
// reading. The rule engine treats a miss as "no data", so a slow query
// degrades QC instead of stalling the batch.
const qcLookupTimeout = 2 * time.Second

// ReadingHistory serves the spike rule's previous-reading lookups from the
// database. Implements qc.History.
type ReadingHistory struct {
	store  *Store
	logger *slog.Logger
}

// NewReadingHistory creates a database-backed reading history.
func NewReadingHistory(store *Store, logger *slog.Logger) *ReadingHistory {
	return &ReadingHistory{store: store, logger: logger}
}

// Previous returns the sensor's latest stored reading with an accepted
// concentration. Lookup failures report no data.
func (h *ReadingHistory) Previous(sensorID string) (domain.SensorReading, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), qcLookupTimeout)
	defer cancel()

	reading, ok, err := h.store.RecentBySensor(ctx, sensorID, domain.Clock().Now().UTC())
	if err != nil {
		h.logger.Warn("reading history lookup failed", "sensor_id", sensorID, "error", err)
		return domain.SensorReading{}, false
	}
	return reading, ok
}

// NeighborLookup serves the spatial rule's nearby-readings queries from the
// database. Implements qc.NeighborSource.
type NeighborLookup struct {
	store  *Store
	logger *slog.Logger
}

// NewNeighborLookup creates a database-backed neighbor source.
func NewNeighborLookup(store *Store, logger *slog.Logger) *NeighborLookup {
	return &NeighborLookup{store: store, logger: logger}
}

// Neighbors returns same-type readings inside the bounding box covering the
// search radius. The rule re-checks exact distances, so the box only has to
// contain the circle.
func (n *NeighborLookup) Neighbors(center orb.Point, radiusM float64, sensorType domain.SensorType, from, to time.Time) []domain.SensorReading {
	ctx, cancel := context.WithTimeout(context.Background(), qcLookupTimeout)
	defer cancel()

	readings, err := n.store.ReadingsInWindow(ctx, boundAround(center, radiusM), from, to)
	if err != nil {
		n.logger.Warn("neighbor lookup failed", "error", err)
		return nil
	}

	out := readings[:0]
	for _, r := range readings {
		if r.SensorType == sensorType {
			out = append(out, r)
		}
	}
	return out
}

// boundAround converts a radius in meters to a bounding box in degrees
// using the equirectangular approximation.
func boundAround(center orb.Point, radiusM float64) orb.Bound {
	dLat := radiusM / 111320.0
	cosLat := math.Cos(center[1] * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	dLon := radiusM / (111320.0 * cosLat)

	return orb.Bound{
		Min: orb.Point{clampLon(center[0] - dLon), clampLat(center[1] - dLat)},
		Max: orb.Point{clampLon(center[0] + dLon), clampLat(center[1] + dLat)},
	}
}

func clampLat(v float64) float64 {
	return math.Max(-90, math.Min(90, v))
}

func clampLon(v float64) float64 {
	return math.Max(-180, math.Min(180, v))
}
