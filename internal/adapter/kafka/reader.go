// Package kafka adapts segmentio/kafka-go to the pipeline's extractor and
// publisher contracts.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/config"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Reader consumes raw sensor payloads from the per-source topics as one
// consumer group. It implements pipeline.BatchExtractor.
type Reader struct {
	reader    *kafkago.Reader
	logger    *slog.Logger
	drainWait time.Duration
}

// NewReader creates a consumer subscribed to every configured raw topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupTopics: cfg.KafkaRawTopics,
		GroupID:     cfg.KafkaGroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return &Reader{reader: r, logger: logger, drainWait: cfg.BatchFlushInterval}
}

// ExtractBatch blocks for the first message, then drains whatever else is
// already available within the flush interval, up to batchSize. Offsets are
// committed per message through RawEvent.Commit, never on fetch.
func (r *Reader) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error) {
	first, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]domain.RawEvent, 0, batchSize)
	events = append(events, r.mapMessage(first))

	drainCtx, cancel := context.WithTimeout(ctx, r.drainWait)
	defer cancel()

	for len(events) < batchSize {
		msg, err := r.reader.FetchMessage(drainCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if ctx.Err() != nil {
				// shutdown mid-drain; deliver what we have
				break
			}
			return events, nil
		}
		events = append(events, r.mapMessage(msg))
	}
	return events, nil
}

func (r *Reader) mapMessage(msg kafkago.Message) domain.RawEvent {
	raw := mapMessageToRawEvent(msg)
	raw.Commit = func(ctx context.Context) error {
		return r.reader.CommitMessages(ctx, msg)
	}
	return raw
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

// mapMessageToRawEvent converts a Kafka message into the domain envelope.
func mapMessageToRawEvent(msg kafkago.Message) domain.RawEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.RawEvent{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}
