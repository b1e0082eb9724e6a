package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// HarmonizationError reports a payload that cannot be mapped to a
// SensorReading. The record is dropped and ingestion continues.
type HarmonizationError struct {
	Source SensorType
	Field  string // canonical field that could not be derived
	Reason string
}

func (e *HarmonizationError) Error() string {
	return fmt.Sprintf("harmonize %s payload: missing required field %q: %s", e.Source, e.Field, e.Reason)
}

func missingField(source SensorType, field, reason string) error {
	return &HarmonizationError{Source: source, Field: field, Reason: reason}
}

// Harmonize maps a source-specific raw payload onto the canonical
// SensorReading. Dispatch is by the explicit source tag, never by sniffing
// payload fields. Unknown or missing numeric fields stay absent.
func Harmonize(raw []byte, source SensorType) (SensorReading, error) {
	var (
		reading SensorReading
		err     error
	)
	switch source {
	case SensorPurpleAir:
		reading, err = harmonizePurpleAir(raw)
	case SensorCommunity:
		reading, err = harmonizeSensorCommunity(raw)
	case SensorOpenAQ:
		reading, err = harmonizeOpenAQ(raw)
	case SensorUploaded:
		reading, err = harmonizeUploaded(raw)
	default:
		return SensorReading{}, fmt.Errorf("harmonize: unknown source %q", source)
	}
	if err != nil {
		return SensorReading{}, err
	}

	if reading.TimestampUTC.IsZero() {
		return SensorReading{}, missingField(source, "timestamp_utc", "no usable timestamp")
	}
	lon, lat := reading.Location[0], reading.Location[1]
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return SensorReading{}, missingField(source, "location", fmt.Sprintf("coordinates out of range: %.4f,%.4f", lat, lon))
	}

	reading.Location = orb.Point{roundCoord(lon), roundCoord(lat)}
	reading.TimestampUTC = reading.TimestampUTC.UTC()
	reading.RawPM25 = clampOptional(reading.RawPM25, 0, 1000)
	reading.RelativeHumidity = clampOptional(reading.RelativeHumidity, 0, 100)
	reading.TemperatureC = clampOptional(reading.TemperatureC, -50, 60)
	reading.ID = generateID(reading.SensorID, reading.Source, reading.TimestampUTC)
	reading.QualityScore = 1.0
	reading.RawPayload = raw
	return reading, nil
}

// purpleAirPayload mirrors the PurpleAir API sensor object. Temperature is
// Fahrenheit; pm2.5_atm is the channel-averaged atmospheric reading.
type purpleAirPayload struct {
	SensorIndex  *int64   `json:"sensor_index"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LastSeen     int64    `json:"last_seen"` // unix seconds
	PM25         *float64 `json:"pm2.5_atm"`
	Humidity     *float64 `json:"humidity"`
	TemperatureF *float64 `json:"temperature"`
}

func harmonizePurpleAir(raw []byte) (SensorReading, error) {
	var p purpleAirPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SensorReading{}, fmt.Errorf("harmonize purpleair payload: %w", err)
	}
	if p.SensorIndex == nil {
		return SensorReading{}, missingField(SensorPurpleAir, "sensor_id", "sensor_index absent")
	}
	if p.Latitude == nil || p.Longitude == nil {
		return SensorReading{}, missingField(SensorPurpleAir, "location", "latitude/longitude absent")
	}

	var ts time.Time
	if p.LastSeen > 0 {
		ts = time.Unix(p.LastSeen, 0).UTC()
	}

	return SensorReading{
		SensorID:         fmt.Sprintf("pa-%d", *p.SensorIndex),
		SensorType:       SensorPurpleAir,
		Location:         orb.Point{*p.Longitude, *p.Latitude},
		TimestampUTC:     ts,
		RawPM25:          p.PM25,
		RelativeHumidity: p.Humidity,
		TemperatureC:     fahrenheitToCelsius(p.TemperatureF),
		Source:           string(SensorPurpleAir),
	}, nil
}

// sensorCommunityPayload mirrors a Sensor.Community record: metadata plus a
// sensordatavalues array with string-encoded values.
type sensorCommunityPayload struct {
	Timestamp string `json:"timestamp"` // "2006-01-02 15:04:05"
	Sensor    struct {
		ID *int64 `json:"id"`
	} `json:"sensor"`
	Location struct {
		Latitude  string `json:"latitude"`
		Longitude string `json:"longitude"`
	} `json:"location"`
	SensorDataValues []struct {
		ValueType string `json:"value_type"`
		Value     string `json:"value"`
	} `json:"sensordatavalues"`
}

func harmonizeSensorCommunity(raw []byte) (SensorReading, error) {
	var p sensorCommunityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SensorReading{}, fmt.Errorf("harmonize sensor_community payload: %w", err)
	}
	if p.Sensor.ID == nil {
		return SensorReading{}, missingField(SensorCommunity, "sensor_id", "sensor.id absent")
	}

	lat, latErr := strconv.ParseFloat(strings.TrimSpace(p.Location.Latitude), 64)
	lon, lonErr := strconv.ParseFloat(strings.TrimSpace(p.Location.Longitude), 64)
	if latErr != nil || lonErr != nil {
		return SensorReading{}, missingField(SensorCommunity, "location", "unparseable latitude/longitude")
	}

	var ts time.Time
	if t, err := time.Parse("2006-01-02 15:04:05", p.Timestamp); err == nil {
		ts = t.UTC()
	}

	reading := SensorReading{
		SensorID:     fmt.Sprintf("sc-%d", *p.Sensor.ID),
		SensorType:   SensorCommunity,
		Location:     orb.Point{lon, lat},
		TimestampUTC: ts,
		Source:       string(SensorCommunity),
	}
	for _, v := range p.SensorDataValues {
		val, err := strconv.ParseFloat(strings.TrimSpace(v.Value), 64)
		if err != nil {
			continue
		}
		switch v.ValueType {
		case "P2": // PM2.5 channel
			reading.RawPM25 = Float(val)
		case "humidity":
			reading.RelativeHumidity = Float(val)
		case "temperature":
			reading.TemperatureC = Float(val)
		}
	}
	return reading, nil
}

// openAQPayload mirrors an OpenAQ measurement: one parameter per record.
type openAQPayload struct {
	LocationID *int64   `json:"locationId"`
	Parameter  string   `json:"parameter"`
	Value      *float64 `json:"value"`
	Date       struct {
		UTC string `json:"utc"`
	} `json:"date"`
	Coordinates struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"coordinates"`
}

func harmonizeOpenAQ(raw []byte) (SensorReading, error) {
	var p openAQPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SensorReading{}, fmt.Errorf("harmonize openaq payload: %w", err)
	}
	if p.LocationID == nil {
		return SensorReading{}, missingField(SensorOpenAQ, "sensor_id", "locationId absent")
	}
	if p.Coordinates.Latitude == nil || p.Coordinates.Longitude == nil {
		return SensorReading{}, missingField(SensorOpenAQ, "location", "coordinates absent")
	}

	var ts time.Time
	if t, err := time.Parse(time.RFC3339, p.Date.UTC); err == nil {
		ts = t.UTC()
	}

	reading := SensorReading{
		SensorID:     fmt.Sprintf("oaq-%d", *p.LocationID),
		SensorType:   SensorOpenAQ,
		Location:     orb.Point{*p.Coordinates.Longitude, *p.Coordinates.Latitude},
		TimestampUTC: ts,
		Source:       string(SensorOpenAQ),
	}
	// OpenAQ delivers one parameter per measurement; anything that is not
	// pm25 harmonizes to a record with an absent concentration.
	if p.Parameter == "pm25" {
		reading.RawPM25 = p.Value
	}
	return reading, nil
}

// uploadedPayload is the canonical flat shape produced by the upload form.
type uploadedPayload struct {
	SensorID     string   `json:"sensor_id"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	TimestampUTC string   `json:"timestamp_utc"` // RFC 3339
	RawPM25      *float64 `json:"raw_pm2_5"`
	Humidity     *float64 `json:"relative_humidity"`
	TemperatureC *float64 `json:"temperature_c"`
}

func harmonizeUploaded(raw []byte) (SensorReading, error) {
	var p uploadedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SensorReading{}, fmt.Errorf("harmonize uploaded payload: %w", err)
	}
	if strings.TrimSpace(p.SensorID) == "" {
		return SensorReading{}, missingField(SensorUploaded, "sensor_id", "sensor_id absent")
	}
	if p.Latitude == nil || p.Longitude == nil {
		return SensorReading{}, missingField(SensorUploaded, "location", "latitude/longitude absent")
	}

	var ts time.Time
	if t, err := time.Parse(time.RFC3339, p.TimestampUTC); err == nil {
		ts = t.UTC()
	}

	return SensorReading{
		SensorID:         strings.TrimSpace(p.SensorID),
		SensorType:       SensorUploaded,
		Location:         orb.Point{*p.Longitude, *p.Latitude},
		TimestampUTC:     ts,
		RawPM25:          p.RawPM25,
		RelativeHumidity: p.Humidity,
		TemperatureC:     p.TemperatureC,
		Source:           string(SensorUploaded),
	}, nil
}

// fahrenheitToCelsius converts an optional °F value, preserving absence.
func fahrenheitToCelsius(f *float64) *float64 {
	if f == nil {
		return nil
	}
	return Float((*f - 32) * 5 / 9)
}

// roundCoord rounds to 6 decimal places (~11 cm), the canonical coordinate
// precision.
func roundCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// clampOptional drops values outside [lo, hi], treating them as absent.
// Sensors occasionally report physically impossible values (negative
// humidity, 3000 µg/m³) that should never reach QC as numbers.
func clampOptional(v *float64, lo, hi float64) *float64 {
	if v == nil || math.IsNaN(*v) || *v < lo || *v > hi {
		return nil
	}
	return v
}
