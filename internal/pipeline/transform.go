package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/couchcryptid/airgrid-etl/internal/qc"
)

// sourceHeader names the Kafka header that carries the producing source.
const sourceHeader = "source"

// ReadingTransformer implements Transformer: it harmonizes the raw payload
// into the canonical schema and runs the quality-control rules over it.
type ReadingTransformer struct {
	qc      *qc.Engine
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewTransformer creates a ReadingTransformer.
func NewTransformer(engine *qc.Engine, logger *slog.Logger, metrics *observability.Metrics) *ReadingTransformer {
	return &ReadingTransformer{
		qc:      engine,
		logger:  logger,
		metrics: metrics,
	}
}

func (t *ReadingTransformer) Transform(_ context.Context, raw domain.RawEvent) (domain.SensorReading, error) {
	source, err := eventSource(raw)
	if err != nil {
		return domain.SensorReading{}, err
	}

	reading, err := domain.Harmonize(raw.Value, source)
	if err != nil {
		return domain.SensorReading{}, err
	}

	reading, added := t.qc.Evaluate(reading)
	for _, flag := range added {
		t.metrics.QCFlags.WithLabelValues(string(flag)).Inc()
	}

	return reading, nil
}

// eventSource resolves the sensor source from the message header, falling
// back to the last topic segment (e.g. "airgrid.raw.purpleair").
func eventSource(raw domain.RawEvent) (domain.SensorType, error) {
	name := raw.Headers[sourceHeader]
	if name == "" {
		if i := strings.LastIndex(raw.Topic, "."); i >= 0 {
			name = raw.Topic[i+1:]
		}
	}

	source := domain.SensorType(name)
	if !domain.KnownSensorType(source) {
		return "", fmt.Errorf("cannot determine source for topic %q", raw.Topic)
	}
	return source, nil
}

// StoreLoader implements BatchLoader on top of the reading store, with an
// optional publisher for the harmonized topic.
type StoreLoader struct {
	store     ReadingStore
	publisher ReadingPublisher
	logger    *slog.Logger
}

// ReadingStore persists harmonized readings.
type ReadingStore interface {
	SaveReadings(ctx context.Context, readings []domain.SensorReading) error
}

// ReadingPublisher forwards harmonized readings to downstream consumers.
type ReadingPublisher interface {
	PublishReadings(ctx context.Context, readings []domain.SensorReading) error
}

// NewLoader creates a StoreLoader. publisher may be nil to disable the
// harmonized topic.
func NewLoader(store ReadingStore, publisher ReadingPublisher, logger *slog.Logger) *StoreLoader {
	return &StoreLoader{store: store, publisher: publisher, logger: logger}
}

// LoadBatch stores the batch, then publishes it. A publish failure does not
// fail the batch: storage is the source of truth and the harmonized topic
// is best-effort.
func (l *StoreLoader) LoadBatch(ctx context.Context, readings []domain.SensorReading) error {
	if err := l.store.SaveReadings(ctx, readings); err != nil {
		return fmt.Errorf("store readings: %w", err)
	}

	if l.publisher != nil {
		if err := l.publisher.PublishReadings(ctx, readings); err != nil {
			l.logger.Warn("publish harmonized readings failed", "error", err, "count", len(readings))
		}
	}
	return nil
}
