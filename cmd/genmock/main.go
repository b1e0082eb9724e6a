// Command genmock generates the combined raw-payload fixture used by the
// pipeline test suite. Payloads are built in each source's native shape and
// run through the actual harmonizer so the fixture always matches real
// pipeline behavior.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/readings_240601_combined.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/jonboulle/clockwork"
)

// fixtureEntry is one raw payload tagged with its producing source.
type fixtureEntry struct {
	Source  domain.SensorType `json:"source"`
	Payload json.RawMessage   `json:"payload"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "data/mock/readings_240601_combined.json", "output path for the raw fixture")
	flag.Parse()

	// Fixed clock so ingestion timestamps in the stats are reproducible.
	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2024, time.June, 1, 12, 10, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	entries, err := buildEntries()
	if err != nil {
		return err
	}

	// Every entry must survive harmonization before it is written out.
	counts := map[domain.SensorType]int{}
	var readings []domain.SensorReading
	for i, e := range entries {
		reading, err := domain.Harmonize(e.Payload, e.Source)
		if err != nil {
			return fmt.Errorf("entry %d (%s) does not harmonize: %w", i, e.Source, err)
		}
		counts[e.Source]++
		readings = append(readings, reading)
	}

	if err := writeJSON(*out, entries); err != nil {
		return fmt.Errorf("writing fixture: %w", err)
	}
	log.Printf("wrote %d payloads: %s", len(entries), *out)

	printStats(counts, readings)
	return nil
}

// buildEntries assembles the payloads in each source's native shape: the
// PurpleAir sensor object, the Sensor.Community record with stringified
// values, the OpenAQ measurement, and the uploaded canonical form. One
// OpenAQ entry carries a non-PM2.5 parameter so tests cover value-less
// readings.
func buildEntries() ([]fixtureEntry, error) {
	type pa struct {
		SensorIndex int     `json:"sensor_index"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		LastSeen    int64   `json:"last_seen"`
		PM25Atm     float64 `json:"pm2.5_atm"`
		Humidity    float64 `json:"humidity"`
		Temperature float64 `json:"temperature"`
	}
	type scValue struct {
		ValueType string `json:"value_type"`
		Value     string `json:"value"`
	}
	type sc struct {
		Timestamp string `json:"timestamp"`
		Sensor    struct {
			ID int `json:"id"`
		} `json:"sensor"`
		Location struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
		} `json:"location"`
		SensorDataValues []scValue `json:"sensordatavalues"`
	}
	type oaq struct {
		LocationID int     `json:"locationId"`
		Parameter  string  `json:"parameter"`
		Value      float64 `json:"value"`
		Unit       string  `json:"unit"`
		Date       struct {
			UTC string `json:"utc"`
		} `json:"date"`
		Coordinates struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"coordinates"`
	}
	type up struct {
		SensorID         string  `json:"sensor_id"`
		Latitude         float64 `json:"latitude"`
		Longitude        float64 `json:"longitude"`
		TimestampUTC     string  `json:"timestamp_utc"`
		RawPM25          float64 `json:"raw_pm2_5"`
		RelativeHumidity float64 `json:"relative_humidity"`
		TemperatureC     float64 `json:"temperature_c"`
	}

	// Boulder cluster, 2024-06-01 noon UTC. Values sit close together so
	// the batch passes spatial QC clean.
	purpleAir := []pa{
		{101, 40.014986, -105.270546, 1717243200, 9.4, 48, 71},
		{102, 40.017884, -105.279229, 1717243260, 11.2, 51, 69},
		{103, 40.009551, -105.262977, 1717243320, 8.7, 46, 73},
		{104, 40.022403, -105.255818, 1717243380, 13.6, 55, 68},
	}

	scData := []struct {
		ts, lat, lon string
		id           int
		values       []scValue
	}{
		{"2024-06-01 12:01:30", "40.018700", "-105.275900", 20014, []scValue{
			{"P1", "14.90"}, {"P2", "10.35"}, {"humidity", "52.40"}, {"temperature", "21.10"},
		}},
		{"2024-06-01 12:03:00", "40.011200", "-105.281400", 20015, []scValue{
			{"P2", "9.80"}, {"humidity", "49.70"},
		}},
		{"2024-06-01 12:04:15", "40.024900", "-105.268800", 20016, []scValue{
			{"P2", "12.15"}, {"temperature", "22.60"},
		}},
	}
	var sensorCommunity []sc
	for _, d := range scData {
		var rec sc
		rec.Timestamp = d.ts
		rec.Sensor.ID = d.id
		rec.Location.Latitude = d.lat
		rec.Location.Longitude = d.lon
		rec.SensorDataValues = d.values
		sensorCommunity = append(sensorCommunity, rec)
	}

	oaqData := []struct {
		id        int
		param     string
		value     float64
		unit, utc string
		lat, lon  float64
	}{
		{3051, "pm25", 8.9, "µg/m³", "2024-06-01T12:00:00Z", 40.0195, -105.2611},
		{3052, "pm25", 10.7, "µg/m³", "2024-06-01T12:02:00Z", 40.0128, -105.2744},
		{3053, "o3", 0.041, "ppm", "2024-06-01T12:02:00Z", 40.0163, -105.2589},
	}
	var openAQ []oaq
	for _, d := range oaqData {
		var rec oaq
		rec.LocationID = d.id
		rec.Parameter = d.param
		rec.Value = d.value
		rec.Unit = d.unit
		rec.Date.UTC = d.utc
		rec.Coordinates.Latitude = d.lat
		rec.Coordinates.Longitude = d.lon
		openAQ = append(openAQ, rec)
	}

	uploaded := []up{
		{"stn-ref-1", 40.016, -105.2705, "2024-06-01T12:00:00Z", 9.1, 50, 21.5},
		{"stn-ref-2", 40.0205, -105.2632, "2024-06-01T12:05:00Z", 11.8, 53, 22.0},
	}

	var entries []fixtureEntry
	add := func(source domain.SensorType, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		entries = append(entries, fixtureEntry{Source: source, Payload: payload})
		return nil
	}

	for _, p := range purpleAir {
		if err := add(domain.SensorPurpleAir, p); err != nil {
			return nil, err
		}
	}
	for _, s := range sensorCommunity {
		if err := add(domain.SensorCommunity, s); err != nil {
			return nil, err
		}
	}
	for _, o := range openAQ {
		if err := add(domain.SensorOpenAQ, o); err != nil {
			return nil, err
		}
	}
	for _, u := range uploaded {
		if err := add(domain.SensorUploaded, u); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func printStats(counts map[domain.SensorType]int, readings []domain.SensorReading) {
	fmt.Println("\n=== Stats for updating test assertions ===")
	fmt.Printf("Total: %d\n", len(readings))
	fmt.Printf("By source: purpleair=%d, sensor_community=%d, openaq=%d, uploaded=%d\n",
		counts[domain.SensorPurpleAir], counts[domain.SensorCommunity],
		counts[domain.SensorOpenAQ], counts[domain.SensorUploaded])

	var withValue int
	minPM, maxPM := 0.0, 0.0
	for _, r := range readings {
		if r.RawPM25 == nil {
			continue
		}
		if withValue == 0 || *r.RawPM25 < minPM {
			minPM = *r.RawPM25
		}
		if withValue == 0 || *r.RawPM25 > maxPM {
			maxPM = *r.RawPM25
		}
		withValue++
	}
	fmt.Printf("With PM2.5: %d (range %g to %g)\n", withValue, minPM, maxPM)

	fmt.Println("\nSensor IDs:")
	for _, r := range readings {
		fmt.Printf("  %s  %s  %s\n", r.SensorID, r.TimestampUTC.Format(time.RFC3339), r.ID)
	}
}
