package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/config"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces harmonized readings to the downstream topic.
// It implements pipeline.ReadingPublisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the harmonized topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaHarmonizedTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishReadings serializes and publishes a batch of readings in a single
// WriteMessages call.
func (w *Writer) PublishReadings(ctx context.Context, readings []domain.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(readings))
	for i := range readings {
		msg, err := serializeToMessage(readings[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a reading into a Kafka message. The key is the
// sensor ID so a sensor's readings stay ordered within a partition.
func serializeToMessage(reading domain.SensorReading) (kafkago.Message, error) {
	data, err := json.Marshal(reading)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(reading.SensorID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(reading.Source)},
			{Key: "observed_at", Value: []byte(reading.TimestampUTC.Format(time.RFC3339))},
		},
	}, nil
}
