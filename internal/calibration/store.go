package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/couchcryptid/airgrid-etl/internal/domain"
)

// Persistence is the durable backing for calibration parameters. The store
// reads everything at startup and writes through on every swap.
type Persistence interface {
	LoadCalibrations(ctx context.Context) ([]domain.CalibrationParameters, error)
	SaveCalibration(ctx context.Context, params domain.CalibrationParameters) error
}

// Store keeps the active calibration parameters per sensor. Reads see a
// consistent snapshot: recalibration replaces a sensor's record atomically,
// so a reader observes either the old or the new parameter set, never a
// partial one. Writers to the same sensor serialize on a per-sensor lock;
// writers to different sensors do not contend.
type Store struct {
	mu     sync.RWMutex
	params map[string]domain.CalibrationParameters

	sensorLocks sync.Map // sensorID -> *sync.Mutex

	persistence Persistence
	logger      *slog.Logger
}

// NewStore creates a Store, loading any persisted parameters. persistence
// may be nil for a purely in-memory store (tests).
func NewStore(ctx context.Context, persistence Persistence, logger *slog.Logger) (*Store, error) {
	s := &Store{
		params:      make(map[string]domain.CalibrationParameters),
		persistence: persistence,
		logger:      logger,
	}
	if persistence != nil {
		loaded, err := persistence.LoadCalibrations(ctx)
		if err != nil {
			return nil, fmt.Errorf("load calibrations: %w", err)
		}
		for _, p := range loaded {
			s.params[p.SensorID] = p
		}
		logger.Info("calibration parameters loaded", "count", len(loaded))
	}
	return s, nil
}

// Get returns the parameters for a sensor, creating identity defaults on
// first sighting. The created defaults are persisted so the sensor's
// lifecycle starts durably.
func (s *Store) Get(ctx context.Context, sensorID string) domain.CalibrationParameters {
	s.mu.RLock()
	p, ok := s.params[sensorID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	p = domain.DefaultCalibration(sensorID, domain.Clock().Now().UTC())

	s.mu.Lock()
	if existing, raced := s.params[sensorID]; raced {
		s.mu.Unlock()
		return existing
	}
	s.params[sensorID] = p
	s.mu.Unlock()

	s.persist(ctx, p)
	return p
}

// All returns a snapshot of every sensor's parameters.
func (s *Store) All() []domain.CalibrationParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CalibrationParameters, 0, len(s.params))
	for _, p := range s.params {
		out = append(out, p)
	}
	return out
}

// Recalibrate fits new parameters from the paired observations and swaps
// them in as one bulk replacement. On ErrInsufficientData (or a degenerate
// fit) the stored parameters are left untouched and the error returned.
// Concurrent recalibrations of different sensors proceed in parallel.
func (s *Store) Recalibrate(ctx context.Context, sensorID string, obs []domain.PairedObservation, minObservations int) (domain.CalibrationParameters, error) {
	lock := s.sensorLock(sensorID)
	lock.Lock()
	defer lock.Unlock()

	fitted, err := Fit(sensorID, obs, minObservations)
	if err != nil {
		return domain.CalibrationParameters{}, err
	}

	s.mu.Lock()
	s.params[sensorID] = fitted
	s.mu.Unlock()

	s.persist(ctx, fitted)
	s.logger.Info("sensor recalibrated",
		"sensor_id", sensorID,
		"r_squared", fitted.RSquared,
		"reference_count", fitted.ReferenceCount,
		"sigma_i", fitted.SigmaI,
	)
	return fitted, nil
}

// Deactivate marks a sensor's parameters inactive. Parameters are never
// deleted, only deactivated.
func (s *Store) Deactivate(ctx context.Context, sensorID string) {
	lock := s.sensorLock(sensorID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	p, ok := s.params[sensorID]
	if ok {
		p.IsActive = false
		s.params[sensorID] = p
	}
	s.mu.Unlock()

	if ok {
		s.persist(ctx, p)
	}
}

func (s *Store) sensorLock(sensorID string) *sync.Mutex {
	actual, _ := s.sensorLocks.LoadOrStore(sensorID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *Store) persist(ctx context.Context, p domain.CalibrationParameters) {
	if s.persistence == nil {
		return
	}
	if err := s.persistence.SaveCalibration(ctx, p); err != nil {
		s.logger.Error("persist calibration failed", "sensor_id", p.SensorID, "error", err)
	}
}
