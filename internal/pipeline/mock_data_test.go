package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureEntry struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

func readFixtureEntries(t *testing.T) []fixtureEntry {
	t.Helper()

	path := filepath.Join("..", "..", "data", "mock", "readings_240601_combined.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entries []fixtureEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func TestTransformer_WithMockFixtureData(t *testing.T) {
	transformer := newTransformer()
	entries := readFixtureEntries(t)
	require.Len(t, entries, 12)

	prefixes := map[string]string{
		"purpleair":        "pa-",
		"sensor_community": "sc-",
		"openaq":           "oaq-",
		"uploaded":         "stn-",
	}
	counts := map[string]int{}

	for i, entry := range entries {
		raw := domain.RawEvent{
			Value:   entry.Payload,
			Headers: map[string]string{"source": entry.Source},
			Topic:   "airgrid.raw." + entry.Source,
		}

		reading, err := transformer.Transform(context.Background(), raw)
		require.NoError(t, err, "entry %d (%s)", i, entry.Source)

		counts[entry.Source]++
		assert.Equal(t, domain.SensorType(entry.Source), reading.SensorType)
		assert.True(t, strings.HasPrefix(reading.SensorID, prefixes[entry.Source]),
			"entry %d: sensor id %q lacks prefix %q", i, reading.SensorID, prefixes[entry.Source])
		assert.NotEmpty(t, reading.ID)
		assert.False(t, reading.TimestampUTC.IsZero())
		assert.Empty(t, reading.QCFlags, "fixture values are clean, no flags expected")

		// Transforming the identical payload again yields the identical
		// reading, including its deterministic ID.
		again, err := transformer.Transform(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, reading.ID, again.ID)
	}

	assert.Equal(t, map[string]int{
		"purpleair":        4,
		"sensor_community": 3,
		"openaq":           3,
		"uploaded":         2,
	}, counts)

	// The non-pm25 OpenAQ measurement harmonizes with an absent concentration.
	var o3Seen bool
	for _, entry := range entries {
		if entry.Source != "openaq" {
			continue
		}
		var p struct {
			Parameter string `json:"parameter"`
		}
		require.NoError(t, json.Unmarshal(entry.Payload, &p))
		if p.Parameter != "pm25" {
			raw := domain.RawEvent{Value: entry.Payload, Headers: map[string]string{"source": entry.Source}}
			reading, err := transformer.Transform(context.Background(), raw)
			require.NoError(t, err)
			assert.Nil(t, reading.RawPM25)
			o3Seen = true
		}
	}
	assert.True(t, o3Seen, "fixture includes a non-pm25 parameter")
}
