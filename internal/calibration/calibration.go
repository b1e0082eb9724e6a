// Package calibration maintains per-sensor linear correction parameters and
// applies them to raw readings, propagating uncertainty.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// ErrInsufficientData means recalibration was asked to fit with fewer
// paired observations than the configured minimum. The old parameters are
// retained.
var ErrInsufficientData = errors.New("insufficient paired observations for recalibration")

// ErrNotCalibratable means Apply cannot produce a corrected value (absent
// concentration or inactive parameters); callers fall back to the raw value
// with a wide uncertainty and an UNCALIBRATED flag.
var ErrNotCalibratable = errors.New("reading not calibratable")

// FallbackSigma is the wide default uncertainty attached to uncalibrated
// fallback values.
const FallbackSigma = 15.0

// humidityInflation multiplies sigma for readings flagged HIGH_HUMIDITY:
// optical counters overcount when droplets condense on particles, so the
// correction is less trustworthy.
const humidityInflation = 1.5

// sensorNoiseFloor is the fixed per-sensor-type noise floor combined with
// the fitted residual sigma.
var sensorNoiseFloor = map[domain.SensorType]float64{
	domain.SensorPurpleAir: 2.0,
	domain.SensorCommunity: 2.5,
	domain.SensorOpenAQ:    1.0,
	domain.SensorUploaded:  4.0,
}

// Apply corrects a raw reading with the sensor's linear model:
//
//	value = alpha + beta*raw + gamma*humidity + delta*temperature
//	sigma = sqrt(sigma_i² + sigma_type²)
//
// Missing humidity/temperature terms contribute nothing. Returns
// ErrNotCalibratable when the concentration is absent or the parameters are
// inactive.
func Apply(reading domain.SensorReading, params domain.CalibrationParameters) (domain.CalibratedValue, error) {
	if reading.RawPM25 == nil || !params.IsActive {
		return domain.CalibratedValue{}, ErrNotCalibratable
	}

	value := params.Alpha + params.Beta**reading.RawPM25
	if reading.RelativeHumidity != nil {
		value += params.Gamma * *reading.RelativeHumidity
	}
	if reading.TemperatureC != nil {
		value += params.Delta * *reading.TemperatureC
	}
	if value < 0 {
		value = 0
	}

	floor := sensorNoiseFloor[reading.SensorType]
	sigma := math.Sqrt(params.SigmaI*params.SigmaI + floor*floor)
	if reading.HasFlag(domain.FlagHighHumidity) {
		sigma *= humidityInflation
	}

	return domain.CalibratedValue{Value: value, Sigma: sigma}, nil
}

// ApplyOrFallback corrects the reading when possible; otherwise it returns
// the raw value with FallbackSigma and marks the reading UNCALIBRATED. The
// second return is false when even the raw value is absent.
func ApplyOrFallback(reading *domain.SensorReading, params domain.CalibrationParameters) (domain.CalibratedValue, bool) {
	cv, err := Apply(*reading, params)
	if err == nil {
		return cv, true
	}
	if reading.RawPM25 == nil {
		return domain.CalibratedValue{}, false
	}
	reading.AddFlag(domain.FlagUncalibrated)
	return domain.CalibratedValue{Value: *reading.RawPM25, Sigma: FallbackSigma}, true
}

// Fit performs the ordinary least squares fit
//
//	reference ~ alpha + beta*raw + gamma*humidity + delta*temperature
//
// over the supplied paired observations. minObservations guards against
// fitting noise; below it, Fit returns ErrInsufficientData and the caller
// keeps the old parameters.
func Fit(sensorID string, obs []domain.PairedObservation, minObservations int) (domain.CalibrationParameters, error) {
	if len(obs) < minObservations {
		return domain.CalibrationParameters{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(obs), minObservations)
	}

	// Normal equations XᵀX b = Xᵀy for the 4-term design matrix
	// [1, raw, humidity, temperature].
	const k = 4
	var xtx [k][k]float64
	var xty [k]float64
	for _, o := range obs {
		row := [k]float64{1, o.Raw, o.Humidity, o.TemperatureC}
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				xtx[i][j] += row[i] * row[j]
			}
			xty[i] += row[i] * o.Reference
		}
	}

	coef, err := solve4(xtx, xty)
	if err != nil {
		// Degenerate design (e.g. constant humidity column) fits nothing
		// useful; treat like too little data so old parameters survive.
		return domain.CalibrationParameters{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}

	// Residual standard deviation and r².
	var meanRef float64
	for _, o := range obs {
		meanRef += o.Reference
	}
	meanRef /= float64(len(obs))

	var ssRes, ssTot float64
	for _, o := range obs {
		pred := coef[0] + coef[1]*o.Raw + coef[2]*o.Humidity + coef[3]*o.TemperatureC
		ssRes += (o.Reference - pred) * (o.Reference - pred)
		ssTot += (o.Reference - meanRef) * (o.Reference - meanRef)
	}

	dof := float64(len(obs) - k)
	if dof < 1 {
		dof = 1
	}
	sigma := math.Sqrt(ssRes / dof)
	if sigma <= 0 {
		sigma = 1e-3 // sigma_i must stay positive
	}
	rsq := 0.0
	if ssTot > 0 {
		rsq = 1 - ssRes/ssTot
		if rsq < 0 {
			rsq = 0
		}
	}

	return domain.CalibrationParameters{
		SensorID:       sensorID,
		Alpha:          coef[0],
		Beta:           coef[1],
		Gamma:          coef[2],
		Delta:          coef[3],
		SigmaI:         sigma,
		LastCalibrated: domain.Clock().Now().UTC(),
		RSquared:       rsq,
		ReferenceCount: len(obs),
		IsActive:       true,
	}, nil
}

// solve4 solves a 4×4 linear system by Gaussian elimination with partial
// pivoting. No linear-algebra dependency is worth pulling in for one fixed
// tiny system.
func solve4(a [4][4]float64, b [4]float64) ([4]float64, error) {
	const n = 4
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return [4]float64{}, errors.New("singular normal equations")
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for row := col + 1; row < n; row++ {
			factor := a[row][col] / a[col][col]
			for j := col; j < n; j++ {
				a[row][j] -= factor * a[col][j]
			}
			b[row] -= factor * b[col]
		}
	}

	var x [4]float64
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for j := row + 1; j < n; j++ {
			sum -= a[row][j] * x[j]
		}
		x[row] = sum / a[row][row]
	}
	return x, nil
}
