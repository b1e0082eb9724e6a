// Package scheduler runs the periodic maintenance jobs: recalibration
// sweeps over accumulated paired observations, artifact cache expiry, and
// upstream source polling.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/domain"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
)

// PairSource lists sensors with reference co-location data and loads their
// paired observations.
type PairSource interface {
	SensorsWithPairs(ctx context.Context, since time.Time) ([]string, error)
	PairedObservations(ctx context.Context, sensorID string, since time.Time) ([]domain.PairedObservation, error)
}

// Calibrator refits one sensor's correction parameters.
type Calibrator interface {
	Recalibrate(ctx context.Context, sensorID string, obs []domain.PairedObservation, minObservations int) (domain.CalibrationParameters, error)
}

// Pairer matches reference readings to co-located sensor readings before a
// recalibration sweep.
type Pairer interface {
	Run(ctx context.Context, since time.Time) (int, error)
}

// CacheSweeper evicts expired interpolation artifacts.
type CacheSweeper interface {
	Sweep(ctx context.Context)
}

// PollJob runs one upstream fetch-and-publish cycle.
type PollJob interface {
	Poll(ctx context.Context) error
}

// Config carries the job cadences. Zero intervals disable the job.
type Config struct {
	RecalibrationInterval      time.Duration
	CalibrationLookback        time.Duration
	CalibrationMinObservations int

	CacheSweepInterval time.Duration
	PollInterval       time.Duration

	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

const defaultJobTimeout = 5 * time.Minute

// Scheduler owns the gocron instance and the job dependencies. Jobs run on
// background goroutines with their own bounded contexts.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cfg       Config

	pairs        PairSource
	pairer       Pairer
	calibrations Calibrator
	cache        CacheSweeper
	pollers      []PollJob

	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a scheduler. pairer, cache, and pollers may be nil/empty;
// the corresponding work is then skipped.
func New(cfg Config, pairs PairSource, pairer Pairer, calibrations Calibrator, cache CacheSweeper, pollers []PollJob, logger *slog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Scheduler{
		scheduler:    gocron.NewScheduler(time.UTC),
		cfg:          cfg,
		pairs:        pairs,
		pairer:       pairer,
		calibrations: calibrations,
		cache:        cache,
		pollers:      pollers,
		logger:       logger,
		metrics:      metrics,
	}
}

// Start registers the configured jobs and starts the scheduler in the
// background.
func (s *Scheduler) Start() error {
	if s.cfg.RecalibrationInterval > 0 && s.pairs != nil && s.calibrations != nil {
		if _, err := s.scheduler.Every(s.cfg.RecalibrationInterval).Do(s.runJob("recalibration", s.RunRecalibration)); err != nil {
			return err
		}
	}

	if s.cfg.CacheSweepInterval > 0 && s.cache != nil {
		if _, err := s.scheduler.Every(s.cfg.CacheSweepInterval).Do(s.runJob("cache_sweep", func(ctx context.Context) error {
			s.cache.Sweep(ctx)
			return nil
		})); err != nil {
			return err
		}
	}

	if s.cfg.PollInterval > 0 {
		for _, p := range s.pollers {
			if _, err := s.scheduler.Every(s.cfg.PollInterval).Do(s.runJob("upstream_poll", p.Poll)); err != nil {
				return err
			}
		}
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "jobs", len(s.scheduler.Jobs()))
	return nil
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// runJob wraps a job with a bounded context and failure logging. Job
// errors never stop the schedule.
func (s *Scheduler) runJob(name string, fn func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	}
}

// RunRecalibration pairs fresh reference readings with co-located sensors,
// then refits every sensor that has paired observations inside the lookback
// window. A sensor with too few pairs keeps its old parameters; individual
// failures do not abort the sweep.
func (s *Scheduler) RunRecalibration(ctx context.Context) error {
	runID := uuid.NewString()
	cutoff := domain.Clock().Now().UTC().Add(-s.cfg.CalibrationLookback)
	logger := s.logger.With("run_id", runID)

	if s.pairer != nil {
		paired, err := s.pairer.Run(ctx, cutoff)
		if err != nil {
			// Existing pairs can still be refit.
			logger.Warn("pairing sweep failed", "error", err)
		} else if paired > 0 {
			logger.Debug("pairing sweep matched observations", "pairs", paired)
		}
	}

	sensors, err := s.pairs.SensorsWithPairs(ctx, cutoff)
	if err != nil {
		s.metrics.RecalibrationRuns.WithLabelValues("error").Inc()
		return err
	}
	if len(sensors) == 0 {
		logger.Debug("recalibration sweep found no paired sensors")
		return nil
	}

	var updated, skipped, failed int
	for _, sensorID := range sensors {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		obs, err := s.pairs.PairedObservations(ctx, sensorID, cutoff)
		if err != nil {
			failed++
			s.metrics.RecalibrationRuns.WithLabelValues("error").Inc()
			logger.Warn("loading paired observations failed", "sensor_id", sensorID, "error", err)
			continue
		}

		_, err = s.calibrations.Recalibrate(ctx, sensorID, obs, s.cfg.CalibrationMinObservations)
		switch {
		case err == nil:
			updated++
			s.metrics.RecalibrationRuns.WithLabelValues("updated").Inc()
		case errors.Is(err, calibration.ErrInsufficientData):
			skipped++
			s.metrics.RecalibrationRuns.WithLabelValues("insufficient_data").Inc()
		default:
			failed++
			s.metrics.RecalibrationRuns.WithLabelValues("error").Inc()
			logger.Warn("recalibration failed", "sensor_id", sensorID, "error", err)
		}
	}

	logger.Info("recalibration sweep complete",
		"sensors", len(sensors), "updated", updated, "skipped", skipped, "failed", failed)
	return nil
}
