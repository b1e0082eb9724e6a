package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// ErrIngestUnavailable wraps storage failures so the API layer can report
// them as a service problem rather than a bad payload.
var ErrIngestUnavailable = errors.New("ingest unavailable")

// Ingestor pushes a single uploaded payload through the same
// transform-and-load path the batch loop uses, synchronously. The HTTP
// upload endpoint is its only caller.
type Ingestor struct {
	transformer Transformer
	loader      BatchLoader
}

// NewIngestor creates an Ingestor sharing the pipeline's stages.
func NewIngestor(t Transformer, l BatchLoader) *Ingestor {
	return &Ingestor{transformer: t, loader: l}
}

// IngestUploaded harmonizes, quality-controls, and stores one uploaded
// reading, returning the stored record.
func (i *Ingestor) IngestUploaded(ctx context.Context, payload []byte) (domain.SensorReading, error) {
	raw := domain.RawEvent{
		Value:   payload,
		Headers: map[string]string{sourceHeader: string(domain.SensorUploaded)},
	}
	reading, err := i.transformer.Transform(ctx, raw)
	if err != nil {
		return domain.SensorReading{}, err
	}
	if err := i.loader.LoadBatch(ctx, []domain.SensorReading{reading}); err != nil {
		return domain.SensorReading{}, fmt.Errorf("%w: %v", ErrIngestUnavailable, err)
	}
	return reading, nil
}
