package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/sony/gobreaker"
)

// Fetcher retrieves one batch of raw payloads from a source network.
type Fetcher interface {
	Source() domain.SensorType
	Fetch(ctx context.Context) ([][]byte, error)
}

// Publisher delivers raw payloads to the source's ingestion topic.
type Publisher interface {
	PublishRaw(ctx context.Context, source domain.SensorType, payloads [][]byte) error
}

// Poller runs one source's fetch-and-publish cycle. Fetches go through a
// circuit breaker so a dead upstream is skipped instead of hammered, and
// transient failures are retried with capped backoff inside a cycle.
type Poller struct {
	fetcher   Fetcher
	publisher Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	metrics   *observability.Metrics

	maxAttempts int
	baseBackoff time.Duration
}

// NewPoller creates a poller for one source.
func NewPoller(fetcher Fetcher, publisher Publisher, logger *slog.Logger, metrics *observability.Metrics) *Poller {
	source := string(fetcher.Source())
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream-" + source,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Poller{
		fetcher:     fetcher,
		publisher:   publisher,
		breaker:     breaker,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: 3,
		baseBackoff: 500 * time.Millisecond,
	}
}

// Poll runs one cycle: fetch through the breaker, then publish. A cycle
// that publishes nothing is not an error.
func (p *Poller) Poll(ctx context.Context) error {
	source := string(p.fetcher.Source())

	payloads, err := p.fetchWithRetry(ctx)
	if err != nil {
		p.metrics.UpstreamRequests.WithLabelValues(source, "error").Inc()
		return fmt.Errorf("poll %s: %w", source, err)
	}
	p.metrics.UpstreamRequests.WithLabelValues(source, "success").Inc()

	if len(payloads) == 0 {
		return nil
	}
	if err := p.publisher.PublishRaw(ctx, p.fetcher.Source(), payloads); err != nil {
		return fmt.Errorf("publish %s payloads: %w", source, err)
	}

	p.logger.Info("upstream poll complete", "source", source, "payloads", len(payloads))
	return nil
}

func (p *Poller) fetchWithRetry(ctx context.Context) ([][]byte, error) {
	backoff := p.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		result, err := p.breaker.Execute(func() (any, error) {
			return p.fetcher.Fetch(ctx)
		})
		if err == nil {
			return result.([][]byte), nil
		}
		lastErr = err

		// An open breaker fails the cycle immediately; the next tick
		// gets its half-open probe.
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < p.maxAttempts {
			p.logger.Warn("upstream fetch failed, retrying",
				"source", p.fetcher.Source(), "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}
