package domain

import "time"

// CalibrationParameters holds the per-sensor linear correction model
//
//	corrected = Alpha + Beta*raw + Gamma*humidity + Delta*temperature
//
// together with fit-quality metadata. One record per sensor; replaced
// atomically by recalibration, deactivated rather than deleted.
type CalibrationParameters struct {
	SensorID       string    `json:"sensor_id"`
	Alpha          float64   `json:"alpha"`
	Beta           float64   `json:"beta"`
	Gamma          float64   `json:"gamma"`
	Delta          float64   `json:"delta"`
	SigmaI         float64   `json:"sigma_i"` // residual std dev, > 0
	LastCalibrated time.Time `json:"last_calibrated"`
	RSquared       float64   `json:"r_squared"`
	ReferenceCount int       `json:"reference_count"`
	IsActive       bool      `json:"is_active"`
}

// DefaultSigmaI is the residual standard deviation assigned to a sensor
// before its first recalibration.
const DefaultSigmaI = 5.0

// DefaultCalibration returns the identity parameters a sensor starts with
// on first sighting: raw values pass through with a conservative sigma.
func DefaultCalibration(sensorID string, now time.Time) CalibrationParameters {
	return CalibrationParameters{
		SensorID:       sensorID,
		Beta:           1,
		SigmaI:         DefaultSigmaI,
		LastCalibrated: now,
		IsActive:       true,
	}
}

// CalibratedValue is a corrected concentration with its combined uncertainty.
type CalibratedValue struct {
	Value float64 `json:"value"`
	Sigma float64 `json:"sigma"`
}

// PairedObservation is one co-located (reference monitor, sensor) sample
// used for recalibration fitting.
type PairedObservation struct {
	SensorID     string    `json:"sensor_id"`
	ObservedAt   time.Time `json:"observed_at"`
	Reference    float64   `json:"reference"` // reference monitor PM2.5, µg/m³
	Raw          float64   `json:"raw"`       // sensor raw PM2.5, µg/m³
	Humidity     float64   `json:"humidity"`
	TemperatureC float64   `json:"temperature_c"`
}
