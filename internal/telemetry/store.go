package telemetry

import (
	"math"
	"sync"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
)

// DefaultCapacity is the number of readings kept per sensor
const DefaultCapacity = 100

// MaxIDLength bounds tenant, sensor and camera identifiers
const MaxIDLength = 128

type sensorPartition struct {
	mu     sync.RWMutex
	series map[string]*series
}

// Store keeps the bounded reading history of every sensor of every school.
// Readings are kept in insertion order; timestamps are stored as supplied.
type Store struct {
	capacity int
	tenants  *partitions[sensorPartition]
}

// NewStore creates a store keeping capacity readings per sensor
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		tenants: newPartitions(func() *sensorPartition {
			return &sensorPartition{series: make(map[string]*series)}
		}),
	}
}

// Capacity returns the per-sensor history length
func (s *Store) Capacity() int {
	return s.capacity
}

// Append adds a reading to the series of (tenantID, sensorID)
func (s *Store) Append(tenantID, sensorID string, r model.Reading) error {
	if err := ValidateID("school_id", tenantID); err != nil {
		return err
	}
	if err := ValidateID("sensor_id", sensorID); err != nil {
		return err
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return apperror.New(apperror.InvalidInput, "value must be a finite number")
	}

	part := s.tenants.getOrCreate(tenantID)

	part.mu.RLock()
	ser, ok := part.series[sensorID]
	part.mu.RUnlock()

	if !ok {
		part.mu.Lock()
		if ser, ok = part.series[sensorID]; !ok {
			ser = newSeries(s.capacity)
			part.series[sensorID] = ser
		}
		part.mu.Unlock()
	}

	ser.append(r)
	return nil
}

// Read returns the readings of one sensor, oldest first. Unknown schools or
// sensors yield an empty slice.
func (s *Store) Read(tenantID, sensorID string) []model.Reading {
	part := s.tenants.get(tenantID)
	if part == nil {
		return []model.Reading{}
	}

	part.mu.RLock()
	ser, ok := part.series[sensorID]
	part.mu.RUnlock()
	if !ok {
		return []model.Reading{}
	}
	return ser.readings()
}

// ReadAll returns every series of a school keyed by sensor id
func (s *Store) ReadAll(tenantID string) map[string][]model.Reading {
	out := make(map[string][]model.Reading)

	part := s.tenants.get(tenantID)
	if part == nil {
		return out
	}

	part.mu.RLock()
	defer part.mu.RUnlock()
	for id, ser := range part.series {
		out[id] = ser.readings()
	}
	return out
}

// ValidateID checks an identifier coming from a client
func ValidateID(field, id string) error {
	if id == "" {
		return apperror.Newf(apperror.InvalidInput, "%s is required", field)
	}
	if len(id) > MaxIDLength {
		return apperror.Newf(apperror.InvalidInput, "%s must be at most %d characters", field, MaxIDLength)
	}
	return nil
}
