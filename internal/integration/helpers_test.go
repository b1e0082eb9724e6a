//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

// fixtureEntry is one raw payload tagged with its producing source,
// matching the genmock output shape.
type fixtureEntry struct {
	Source  domain.SensorType `json:"source"`
	Payload json.RawMessage   `json:"payload"`
}

// startKafka runs a single-node Kafka container and returns its broker
// address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("airgrid-test"))
	require.NoError(t, err, "start kafka container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "resolve kafka brokers")
	require.NotEmpty(t, brokers)
	return brokers[0]
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	client := &kafkago.Client{Addr: kafkago.TCP(broker)}
	_, err := client.CreateTopics(context.Background(), &kafkago.CreateTopicsRequest{
		Topics: []kafkago.TopicConfig{{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}},
	})
	require.NoError(t, err, "create topic %s", topic)
}

// loadFixture reads the combined raw-payload fixture checked in by genmock.
func loadFixture(t *testing.T) []fixtureEntry {
	t.Helper()

	data, err := os.ReadFile(filepath.Join("..", "..", "data", "mock", "readings_240601_combined.json"))
	require.NoError(t, err, "read fixture")

	var entries []fixtureEntry
	require.NoError(t, json.Unmarshal(data, &entries), "decode fixture")
	require.NotEmpty(t, entries)
	return entries
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
