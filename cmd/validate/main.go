// Command validate replays the combined raw-payload fixture through the
// real harmonization, quality-control, and calibration code and checks the
// results for integrity: every payload must harmonize deterministically,
// QC must be idempotent, and calibration fallback must always produce a
// usable value.
//
// Usage:
//
//	go run ./cmd/validate -fixture data/mock/readings_240601_combined.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/qc"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
)

// fixtureEntry mirrors the genmock output shape.
type fixtureEntry struct {
	Source  domain.SensorType `json:"source"`
	Payload json.RawMessage   `json:"payload"`
}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// idPrefixes maps each source to the prefix its sensor IDs must carry.
var idPrefixes = map[domain.SensorType]string{
	domain.SensorPurpleAir: "pa-",
	domain.SensorCommunity: "sc-",
	domain.SensorOpenAQ:    "oaq-",
	domain.SensorUploaded:  "stn-",
}

func main() {
	fixture := flag.String("fixture", "data/mock/readings_240601_combined.json", "path to the combined raw fixture")
	flag.Parse()

	if code := run(*fixture); code != 0 {
		os.Exit(code)
	}
}

func run(fixturePath string) int {
	// Fixed clock matching genmock for reproducible defaults.
	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2024, time.June, 1, 12, 10, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	fmt.Println("=== Sensor Data Integrity Validation ===")
	fmt.Println()

	entries, err := loadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load fixture: %v\n", err)
		return 1
	}

	shape := validateFixtureShape(entries)
	harmonize, readings := validateHarmonization(entries)
	phases := []*phase{
		shape,
		harmonize,
		validateQualityControl(readings),
		validateCalibrationFallback(readings),
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Payloads: %d fixture, %d harmonized\n", len(entries), len(readings))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll validations passed.")
		return 0
	}
	fmt.Println("\nValidation FAILED.")
	return 1
}

func loadFixture(path string) ([]fixtureEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []fixtureEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ── Phase 1: Fixture Shape ──
// Every entry names a known source and carries a non-empty payload, and
// each of the four sources is represented.

func validateFixtureShape(entries []fixtureEntry) *phase {
	p := &phase{name: "Phase 1: Fixture Shape"}

	counts := map[domain.SensorType]int{}
	for i, e := range entries {
		if !domain.KnownSensorType(e.Source) {
			p.errorf("entry %d: unknown source %q", i, e.Source)
			continue
		}
		if len(e.Payload) == 0 {
			p.errorf("entry %d (%s): empty payload", i, e.Source)
		}
		counts[e.Source]++
	}

	for source := range idPrefixes {
		if counts[source] == 0 {
			p.errorf("source %s has no fixture entries", source)
		}
	}
	return p
}

// ── Phase 2: Harmonization ──
// Every payload harmonizes into the canonical schema with a stable ID, the
// source's ID prefix, plausible coordinates, and a UTC timestamp.

func validateHarmonization(entries []fixtureEntry) (*phase, []domain.SensorReading) {
	p := &phase{name: "Phase 2: Harmonization (replay)"}

	var readings []domain.SensorReading
	for i, e := range entries {
		reading, err := domain.Harmonize(e.Payload, e.Source)
		if err != nil {
			p.errorf("entry %d (%s): %v", i, e.Source, err)
			continue
		}

		if prefix := idPrefixes[e.Source]; !strings.HasPrefix(reading.SensorID, prefix) {
			p.errorf("entry %d: sensor ID %q missing prefix %q", i, reading.SensorID, prefix)
		}
		if reading.ID == "" {
			p.errorf("entry %d: empty reading ID", i)
		}
		if reading.TimestampUTC.IsZero() {
			p.errorf("entry %d: zero timestamp", i)
		}
		if loc := reading.TimestampUTC.Location(); loc != time.UTC {
			p.errorf("entry %d: timestamp not UTC (%s)", i, loc)
		}
		lon, lat := reading.Location[0], reading.Location[1]
		if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			p.errorf("entry %d: coordinates out of range (%g, %g)", i, lon, lat)
		}

		// Harmonization must be deterministic for the upsert dedupe to work.
		again, err := domain.Harmonize(e.Payload, e.Source)
		if err != nil {
			p.errorf("entry %d: second harmonize failed: %v", i, err)
		} else if again.ID != reading.ID {
			p.errorf("entry %d: non-deterministic ID (%s vs %s)", i, reading.ID, again.ID)
		}

		readings = append(readings, reading)
	}
	return p, readings
}

// ── Phase 3: Quality Control ──
// QC over the fixture batch must keep scores in [0,1], leave no value on an
// OUT_OF_RANGE reading, and reproduce itself when run twice.

// batchNeighbors serves the spatial rule from the in-memory batch.
type batchNeighbors struct {
	readings []domain.SensorReading
}

func (b *batchNeighbors) Neighbors(_ orb.Point, _ float64, sensorType domain.SensorType, from, to time.Time) []domain.SensorReading {
	var out []domain.SensorReading
	for _, r := range b.readings {
		if r.SensorType == sensorType && !r.TimestampUTC.Before(from) && !r.TimestampUTC.After(to) {
			out = append(out, r)
		}
	}
	return out
}

func validateQualityControl(readings []domain.SensorReading) *phase {
	p := &phase{name: "Phase 3: Quality Control (idempotency)"}

	engine := qc.New(qc.DefaultConfig(), nil, &batchNeighbors{readings: readings}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i, r := range readings {
		first, _ := engine.Evaluate(r)

		if first.QualityScore < 0 || first.QualityScore > 1 {
			p.errorf("reading %d (%s): score %g outside [0,1]", i, r.SensorID, first.QualityScore)
		}
		if first.HasFlag(domain.FlagOutOfRange) && first.RawPM25 != nil {
			p.errorf("reading %d (%s): OUT_OF_RANGE but value retained", i, r.SensorID)
		}

		second, added := engine.Evaluate(first)
		if len(added) != 0 {
			p.errorf("reading %d (%s): re-evaluation added flags %v", i, r.SensorID, added)
		}
		if second.QualityScore != first.QualityScore {
			p.errorf("reading %d (%s): score changed on re-evaluation (%g vs %g)",
				i, r.SensorID, first.QualityScore, second.QualityScore)
		}
	}
	return p
}

// ── Phase 4: Calibration Fallback ──
// With identity defaults, every reading that has a concentration must come
// out of ApplyOrFallback with that value and a positive uncertainty.

func validateCalibrationFallback(readings []domain.SensorReading) *phase {
	p := &phase{name: "Phase 4: Calibration Fallback"}

	now := domain.Clock().Now().UTC()
	for i := range readings {
		r := readings[i]
		hadValue := r.RawPM25 != nil

		cv, ok := calibration.ApplyOrFallback(&r, domain.DefaultCalibration(r.SensorID, now))
		if ok != hadValue {
			p.errorf("reading %d (%s): fallback usable=%v, want %v", i, r.SensorID, ok, hadValue)
			continue
		}
		if !ok {
			continue
		}
		if cv.Sigma <= 0 {
			p.errorf("reading %d (%s): non-positive sigma %g", i, r.SensorID, cv.Sigma)
		}
		if cv.Value < 0 {
			p.errorf("reading %d (%s): negative calibrated value %g", i, r.SensorID, cv.Value)
		}
	}
	return p
}
