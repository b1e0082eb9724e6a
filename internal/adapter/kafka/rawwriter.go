package kafka

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/airgrid-etl/internal/config"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// rawTopicPrefix is the namespace for per-source ingestion topics.
const rawTopicPrefix = "airgrid.raw."

// RawWriter publishes upstream payloads onto the per-source raw topics.
// It implements upstream.Publisher.
type RawWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewRawWriter creates a producer that routes by topic per message.
func NewRawWriter(cfg *config.Config, logger *slog.Logger) *RawWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &RawWriter{writer: w, logger: logger}
}

// PublishRaw writes the payloads to the source's raw topic with the source
// header the pipeline dispatches on.
func (w *RawWriter) PublishRaw(ctx context.Context, source domain.SensorType, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(payloads))
	for i, p := range payloads {
		msgs[i] = kafkago.Message{
			Topic: rawTopicPrefix + string(source),
			Value: p,
			Headers: []kafkago.Header{
				{Key: "source", Value: []byte(source)},
			},
		}
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *RawWriter) Close() error {
	return w.writer.Close()
}
