package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// SensorType identifies the source family a reading came from.
type SensorType string

const (
	SensorPurpleAir SensorType = "purpleair"
	SensorCommunity SensorType = "sensor_community"
	SensorOpenAQ    SensorType = "openaq"
	SensorUploaded  SensorType = "uploaded"
)

// KnownSensorType reports whether t is one of the four supported sources.
func KnownSensorType(t SensorType) bool {
	switch t {
	case SensorPurpleAir, SensorCommunity, SensorOpenAQ, SensorUploaded:
		return true
	}
	return false
}

// QCFlag is a quality-control flag code. Flags are additive and never removed.
type QCFlag string

const (
	FlagOutOfRange     QCFlag = "OUT_OF_RANGE"
	FlagSpike          QCFlag = "SPIKE"
	FlagHighHumidity   QCFlag = "HIGH_HUMIDITY"
	FlagSpatialOutlier QCFlag = "SPATIAL_OUTLIER"
	FlagUncalibrated   QCFlag = "UNCALIBRATED"
)

// RawEvent represents an unprocessed message from the source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// SensorReading is the canonical harmonized record. Optional numeric fields
// are pointers: absence and zero are different things for a sensor.
type SensorReading struct {
	ID               string     `json:"id"`
	SensorID         string     `json:"sensor_id"`
	SensorType       SensorType `json:"sensor_type"`
	Location         orb.Point  `json:"location"` // lon, lat (orb convention)
	TimestampUTC     time.Time  `json:"timestamp_utc"`
	RawPM25          *float64   `json:"raw_pm2_5,omitempty"`
	RelativeHumidity *float64   `json:"relative_humidity,omitempty"`
	TemperatureC     *float64   `json:"temperature_c,omitempty"`
	Source           string     `json:"source"`
	QCFlags          []QCFlag   `json:"qc_flags,omitempty"`
	QualityScore     float64    `json:"quality_score"`

	RawPayload []byte `json:"-"` // original blob, retained for audit
}

// HasFlag reports whether the reading carries the given QC flag.
func (r SensorReading) HasFlag(f QCFlag) bool {
	for _, have := range r.QCFlags {
		if have == f {
			return true
		}
	}
	return false
}

// AddFlag appends f unless it is already present, keeping flags a set.
func (r *SensorReading) AddFlag(f QCFlag) {
	if !r.HasFlag(f) {
		r.QCFlags = append(r.QCFlags, f)
	}
}

// InterpolationEligible reports whether the reading may enter the
// interpolation input set: it needs a concentration and no flag other than
// HIGH_HUMIDITY or UNCALIBRATED (humidity inflates uncertainty downstream
// instead of excluding the point).
func (r SensorReading) InterpolationEligible() bool {
	if r.RawPM25 == nil {
		return false
	}
	for _, f := range r.QCFlags {
		if f != FlagHighHumidity && f != FlagUncalibrated {
			return false
		}
	}
	return true
}

// generateID produces a deterministic ID from the reading's unique key
// fields. Re-ingesting the same payload yields the same ID, which enables
// last-write-wins upserts downstream.
func generateID(sensorID string, source string, ts time.Time) string {
	input := fmt.Sprintf("%s|%s|%d", sensorID, source, ts.UTC().Unix())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:8])
}

// Float returns a pointer to v, for building optional fields.
func Float(v float64) *float64 { return &v }
