package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/airgrid-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/airgrid-etl/internal/adapter/kafka"
	"github.com/couchcryptid/airgrid-etl/internal/adapter/upstream"
	"github.com/couchcryptid/airgrid-etl/internal/cache"
	"github.com/couchcryptid/airgrid-etl/internal/calibration"
	"github.com/couchcryptid/airgrid-etl/internal/config"
	"github.com/couchcryptid/airgrid-etl/internal/grid"
	"github.com/couchcryptid/airgrid-etl/internal/interpolate"
	"github.com/couchcryptid/airgrid-etl/internal/observability"
	"github.com/couchcryptid/airgrid-etl/internal/pipeline"
	"github.com/couchcryptid/airgrid-etl/internal/qc"
	"github.com/couchcryptid/airgrid-etl/internal/scheduler"
	"github.com/couchcryptid/airgrid-etl/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	calibrations, err := calibration.NewStore(ctx, st, logger)
	if err != nil {
		logger.Error("failed to load calibration store", "error", err)
		os.Exit(1)
	}

	// Quality control, backed by stored readings for the spike and
	// spatial rules.
	qcCfg := qc.DefaultConfig()
	qcCfg.SpikeThreshold = cfg.QCSpikeThreshold
	qcCfg.SpatialRadiusM = cfg.QCSpatialRadiusM
	qcCfg.SpatialWindow = cfg.QCSpatialWindow
	qcCfg.SpatialMADFactor = cfg.QCSpatialMADFactor
	engine := qc.New(qcCfg,
		store.NewReadingHistory(st, logger),
		store.NewNeighborLookup(st, logger),
		logger,
	)

	// Ingestion pipeline: Kafka raw topics in, store (plus the optional
	// harmonized topic) out.
	reader := kafkaadapter.NewReader(cfg, logger)
	transformer := pipeline.NewTransformer(engine, logger, metrics)

	var publisher pipeline.ReadingPublisher
	var writer *kafkaadapter.Writer
	if cfg.KafkaHarmonizedTopic != "" {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = writer
	}
	loader := pipeline.NewLoader(st, publisher, logger)

	p := pipeline.New(reader, transformer, loader, logger, metrics, cfg.BatchSize)

	// Interpolation service with the TTL artifact cache.
	interpCfg := interpolate.DefaultConfig()
	interpCfg.Power = cfg.IDWPower
	interpCfg.MaxSearchRadiusM = cfg.IDWMaxSearchRadiusM
	interpCfg.KrigingBudget = cfg.KrigingComputeBudget

	artifacts := cache.New(cfg.CacheTTL, st, nil, logger, metrics)

	gridCfg := grid.DefaultConfig()
	gridCfg.TimeWindow = cfg.InterpTimeWindow
	gridCfg.TimeGranularity = cfg.CacheTimeGranularity
	gridCfg.SearchMarginM = cfg.IDWMaxSearchRadiusM
	grids := grid.NewService(gridCfg, st, calibrations,
		interpolate.New(interpCfg, logger, metrics), artifacts, logger, metrics)

	ingestor := pipeline.NewIngestor(transformer, loader)
	srv := httpadapter.NewServer(cfg.HTTPAddr, p, grids, ingestor, logger)

	// Upstream pollers, one per configured source.
	var pollJobs []scheduler.PollJob
	var rawWriter *kafkaadapter.RawWriter
	fetchers := buildFetchers(cfg)
	if len(fetchers) > 0 {
		rawWriter = kafkaadapter.NewRawWriter(cfg, logger)
		for _, f := range fetchers {
			logger.Info("upstream polling enabled", "source", f.Source())
			pollJobs = append(pollJobs, upstream.NewPoller(f, rawWriter, logger, metrics))
		}
	}

	pairer := calibration.NewPairer(calibration.DefaultPairingConfig(), st, st, logger)
	sched := scheduler.New(scheduler.Config{
		RecalibrationInterval:      cfg.RecalibrationInterval,
		CalibrationLookback:        cfg.CalibrationLookback,
		CalibrationMinObservations: cfg.CalibrationMinObservations,
		CacheSweepInterval:         cfg.CacheSweepInterval,
		PollInterval:               cfg.PollInterval,
	}, st, pairer, calibrations, artifacts, pollJobs, logger, metrics)

	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if rawWriter != nil {
		if err := rawWriter.Close(); err != nil {
			logger.Error("kafka raw writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// buildFetchers creates a client for each upstream with a configured URL.
func buildFetchers(cfg *config.Config) []upstream.Fetcher {
	var fetchers []upstream.Fetcher
	if cfg.PurpleAirURL != "" {
		fetchers = append(fetchers, upstream.NewPurpleAirClient(cfg.PurpleAirURL, cfg.PurpleAirAPIKey, cfg.UpstreamTimeout))
	}
	if cfg.OpenAQURL != "" {
		fetchers = append(fetchers, upstream.NewOpenAQClient(cfg.OpenAQURL, cfg.UpstreamTimeout))
	}
	if cfg.SensorCommunityURL != "" {
		fetchers = append(fetchers, upstream.NewSensorCommunityClient(cfg.SensorCommunityURL, cfg.UpstreamTimeout))
	}
	return fetchers
}
