package domain

import (
	"time"

	"github.com/paulmach/orb"
)

// Method selects the spatial interpolation estimator.
type Method string

const (
	MethodIDW     Method = "idw"
	MethodKriging Method = "kriging"
)

// KnownMethod reports whether m is a supported interpolation method.
func KnownMethod(m Method) bool {
	return m == MethodIDW || m == MethodKriging
}

// GridCell is one cell of an interpolated field. Value and Variance are
// meaningless when HasData is false: the cell had no reading within the
// search radius and is rendered as "no data" rather than extrapolated.
type GridCell struct {
	Value    float64 `json:"value"`
	Variance float64 `json:"variance"`
	HasData  bool    `json:"has_data"`
}

// GridMetadata records how an artifact was computed.
type GridMetadata struct {
	SensorCount   int    `json:"sensor_count"`
	ComputeMillis int64  `json:"compute_millis"`
	Method        Method `json:"method"`                  // effective method after any fallback
	FallbackFrom  Method `json:"fallback_from,omitempty"` // set when kriging fell back to IDW
}

// GridArtifact is an immutable interpolation result for one
// (bbox, timestamp, resolution, method) request. Rows run south to north,
// columns west to east.
type GridArtifact struct {
	CacheKey     string       `json:"cache_key"`
	Bound        orb.Bound    `json:"bound"`
	TimestampUTC time.Time    `json:"timestamp_utc"`
	ResolutionM  float64      `json:"resolution_m"`
	Method       Method       `json:"method"` // requested method
	Grid         [][]GridCell `json:"grid"`
	Metadata     GridMetadata `json:"metadata"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// HasAnyData reports whether at least one cell carries an estimate.
func (a GridArtifact) HasAnyData() bool {
	for _, row := range a.Grid {
		for _, cell := range row {
			if cell.HasData {
				return true
			}
		}
	}
	return false
}
