// Package domain models low-cost air-quality sensor readings and the
// records derived from them.
//
// # Data Sources
//
// Raw payloads arrive from four source families, each with its own JSON
// shape, tagged by the producer with a source header:
//
//	purpleair         PurpleAir API sensor objects (temperature in °F,
//	                  pm2.5_atm channel average).
//	sensor_community  Sensor.Community (ex-Luftdaten) records with a
//	                  sensordatavalues array of {value_type, value} pairs,
//	                  values encoded as strings ("P2" is PM2.5).
//	openaq            OpenAQ v2 measurement objects, one parameter per
//	                  record; only parameter "pm25" carries a concentration.
//	uploaded          User-supplied CSV/JSON uploads already mapped to the
//	                  canonical field names by the upload form.
//
// [Harmonize] maps each shape onto the canonical [SensorReading]. Unknown or
// missing numeric fields stay absent (nil), never zero: a zero concentration
// is a legitimate measurement, absence is not.
//
// # Field Conventions
//
// Coordinates are WGS-84, rounded to 6 decimal places (~11 cm) so that the
// same physical device always hashes to the same location string.
// Temperatures are stored in °C; PurpleAir's °F values are converted during
// harmonization. PM2.5 is µg/m³. Timestamps are UTC instants.
//
// # QC Flags
//
// Quality-control flags are additive and never removed:
//
//	OUT_OF_RANGE     raw PM2.5 outside [0,500]; the value is dropped, the
//	                 record kept for its other fields.
//	SPIKE            rate of change versus the sensor's previous accepted
//	                 reading exceeds the configured µg/m³-per-minute limit.
//	HIGH_HUMIDITY    relative humidity above 85%; optical particle counters
//	                 overcount when droplets form on particles.
//	SPATIAL_OUTLIER  deviates from the median of nearby same-type sensors
//	                 by more than a threshold multiple of the local spread.
//	UNCALIBRATED     no active calibration parameters; the raw value was
//	                 used with a wide default uncertainty.
//
// Any flag other than HIGH_HUMIDITY or UNCALIBRATED excludes a reading from
// interpolation input. Flagged readings are retained in storage for audit.
//
// # ID Generation
//
// Reading IDs are deterministic SHA-256 hashes of sensor_id|source|timestamp.
// This makes re-ingestion idempotent (last-write-wins upsert) and replay
// safe without distributed coordination. See [generateID].
package domain
