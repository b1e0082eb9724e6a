// Package config loads service settings from environment variables, with a
// best-effort .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers         []string
	KafkaRawTopics       []string
	KafkaHarmonizedTopic string
	KafkaGroupID         string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DatabaseURL string

	BatchSize          int
	BatchFlushInterval time.Duration

	// Quality-control thresholds.
	QCSpikeThreshold   float64 // µg/m³ per minute
	QCSpatialRadiusM   float64
	QCSpatialWindow    time.Duration
	QCSpatialMADFactor float64

	// Calibration.
	CalibrationMinObservations int
	CalibrationLookback        time.Duration
	RecalibrationInterval      time.Duration

	// Interpolation.
	IDWPower             float64
	IDWMaxSearchRadiusM  float64
	KrigingComputeBudget time.Duration
	InterpTimeWindow     time.Duration

	// Artifact cache.
	CacheTTL             time.Duration
	CacheTimeGranularity time.Duration
	CacheSweepInterval   time.Duration

	// Upstream pollers. A poller runs only when its base URL is set.
	PollInterval       time.Duration
	UpstreamTimeout    time.Duration
	PurpleAirURL       string
	PurpleAirAPIKey    string
	OpenAQURL          string
	SensorCommunityURL string
}

// Load reads configuration from the environment, applying defaults where
// unset. A .env file in the working directory is merged in first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	shutdownTimeout, err := positiveDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	batchSize, err := boundedInt("BATCH_SIZE", 50, 1, 1000)
	if err != nil {
		return nil, err
	}
	flushInterval, err := positiveDuration("BATCH_FLUSH_INTERVAL", "500ms")
	if err != nil {
		return nil, err
	}

	spike, err := positiveFloat("QC_SPIKE_THRESHOLD", 50)
	if err != nil {
		return nil, err
	}
	spatialRadius, err := positiveFloat("QC_SPATIAL_RADIUS_M", 2000)
	if err != nil {
		return nil, err
	}
	spatialWindow, err := positiveDuration("QC_SPATIAL_WINDOW", "30m")
	if err != nil {
		return nil, err
	}
	madFactor, err := positiveFloat("QC_SPATIAL_MAD_FACTOR", 3)
	if err != nil {
		return nil, err
	}

	minObs, err := boundedInt("CALIBRATION_MIN_OBSERVATIONS", 30, 4, 100000)
	if err != nil {
		return nil, err
	}
	lookback, err := positiveDuration("CALIBRATION_LOOKBACK", "720h")
	if err != nil {
		return nil, err
	}
	recalInterval, err := positiveDuration("RECALIBRATION_INTERVAL", "6h")
	if err != nil {
		return nil, err
	}

	idwPower, err := positiveFloat("IDW_POWER", 2)
	if err != nil {
		return nil, err
	}
	searchRadius, err := positiveFloat("IDW_MAX_SEARCH_RADIUS_M", 5000)
	if err != nil {
		return nil, err
	}
	krigingBudget, err := positiveDuration("KRIGING_COMPUTE_BUDGET", "10s")
	if err != nil {
		return nil, err
	}
	timeWindow, err := positiveDuration("INTERP_TIME_WINDOW", "1h")
	if err != nil {
		return nil, err
	}

	cacheTTL, err := positiveDuration("CACHE_TTL", "10m")
	if err != nil {
		return nil, err
	}
	granularity, err := positiveDuration("CACHE_TIME_GRANULARITY", "5m")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := positiveDuration("CACHE_SWEEP_INTERVAL", "1m")
	if err != nil {
		return nil, err
	}

	pollInterval, err := positiveDuration("POLL_INTERVAL", "5m")
	if err != nil {
		return nil, err
	}
	upstreamTimeout, err := positiveDuration("UPSTREAM_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:         splitList(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaRawTopics:       splitList(envOrDefault("KAFKA_RAW_TOPICS", "airgrid.raw.purpleair,airgrid.raw.sensor_community,airgrid.raw.openaq,airgrid.raw.uploaded")),
		KafkaHarmonizedTopic: os.Getenv("KAFKA_HARMONIZED_TOPIC"),
		KafkaGroupID:         envOrDefault("KAFKA_GROUP_ID", "airgrid-etl"),
		HTTPAddr:             envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:      shutdownTimeout,
		DatabaseURL:          envOrDefault("DATABASE_URL", "sqlite:airgrid.db"),
		BatchSize:            batchSize,
		BatchFlushInterval:   flushInterval,

		QCSpikeThreshold:   spike,
		QCSpatialRadiusM:   spatialRadius,
		QCSpatialWindow:    spatialWindow,
		QCSpatialMADFactor: madFactor,

		CalibrationMinObservations: minObs,
		CalibrationLookback:        lookback,
		RecalibrationInterval:      recalInterval,

		IDWPower:             idwPower,
		IDWMaxSearchRadiusM:  searchRadius,
		KrigingComputeBudget: krigingBudget,
		InterpTimeWindow:     timeWindow,

		CacheTTL:             cacheTTL,
		CacheTimeGranularity: granularity,
		CacheSweepInterval:   sweepInterval,

		PollInterval:       pollInterval,
		UpstreamTimeout:    upstreamTimeout,
		PurpleAirURL:       os.Getenv("PURPLEAIR_URL"),
		PurpleAirAPIKey:    os.Getenv("PURPLEAIR_API_KEY"),
		OpenAQURL:          os.Getenv("OPENAQ_URL"),
		SensorCommunityURL: os.Getenv("SENSOR_COMMUNITY_URL"),
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is required")
	}
	if len(cfg.KafkaRawTopics) == 0 {
		return nil, fmt.Errorf("KAFKA_RAW_TOPICS is required")
	}
	if cfg.PurpleAirURL != "" && cfg.PurpleAirAPIKey == "" {
		return nil, fmt.Errorf("PURPLEAIR_URL is set but PURPLEAIR_API_KEY is not")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty items.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func positiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive number", key)
	}
	return f, nil
}

func boundedInt(key string, def, lo, hi int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s: must be an integer in [%d, %d]", key, lo, hi)
	}
	return n, nil
}
