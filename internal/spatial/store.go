package spatial

import (
	"context"
	"math"
	"sync"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
	"go.uber.org/zap"
)

// MaxFloors bounds the floor index a school may configure
const MaxFloors = 256

// Snapshotter makes the current metadata durable before a save returns
type Snapshotter interface {
	SnapshotNow(ctx context.Context) error
}

type layout struct {
	mu      sync.RWMutex
	floors  [][]model.Point
	sensors map[int]map[string]model.Position
	cameras map[int]map[string]model.Position
}

func newLayout() *layout {
	return &layout{
		floors:  [][]model.Point{},
		sensors: make(map[int]map[string]model.Position),
		cameras: make(map[int]map[string]model.Position),
	}
}

func (l *layout) positions(kind model.DeviceKind) map[int]map[string]model.Position {
	if kind == model.DeviceCamera {
		return l.cameras
	}
	return l.sensors
}

// Store holds floor plans and device positions of every school. Every save
// replaces the targeted collection wholesale and is followed by a synchronous
// snapshot.
type Store struct {
	log       *zap.Logger
	snapshots Snapshotter

	mu      sync.RWMutex
	tenants map[string]*layout
}

// NewStore creates an empty store. snapshots may be nil, in which case
// saves are reported as not persisted.
func NewStore(snapshots Snapshotter, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:       log,
		snapshots: snapshots,
		tenants:   make(map[string]*layout),
	}
}

// SetSnapshotter attaches the persistence gateway once it is constructed
func (s *Store) SetSnapshotter(snapshots Snapshotter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = snapshots
}

func (s *Store) get(tenantID string) *layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenants[tenantID]
}

func (s *Store) getOrCreate(tenantID string) *layout {
	if l := s.get(tenantID); l != nil {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.tenants[tenantID]; ok {
		return l
	}
	l := newLayout()
	s.tenants[tenantID] = l
	return l
}

// SaveFloorPlans replaces all floor outlines of a school. The returned flag
// reports whether the following snapshot succeeded; a failed snapshot never
// undoes the in-memory save.
func (s *Store) SaveFloorPlans(ctx context.Context, tenantID string, floors [][]model.Point) (bool, error) {
	if tenantID == "" {
		return false, apperror.New(apperror.InvalidInput, "school_id is required")
	}
	if len(floors) > MaxFloors {
		return false, apperror.Newf(apperror.InvalidInput, "at most %d floors are allowed", MaxFloors)
	}

	copied := make([][]model.Point, len(floors))
	for i, floor := range floors {
		for _, p := range floor {
			if !finite(p.X) || !finite(p.Y) {
				return false, apperror.Newf(apperror.InvalidInput, "floor %d has a non-finite point", i)
			}
		}
		copied[i] = append([]model.Point{}, floor...)
	}

	l := s.getOrCreate(tenantID)
	l.mu.Lock()
	l.floors = copied
	l.mu.Unlock()

	s.log.Info("Floor plans saved",
		zap.String("school_id", tenantID),
		zap.Int("floors", len(copied)))

	return s.persist(ctx, tenantID), nil
}

// FloorPlans returns the floor outlines of a school, empty when none are set
func (s *Store) FloorPlans(tenantID string) [][]model.Point {
	l := s.get(tenantID)
	if l == nil {
		return [][]model.Point{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([][]model.Point, len(l.floors))
	for i, floor := range l.floors {
		out[i] = append([]model.Point{}, floor...)
	}
	return out
}

// SavePositions replaces every position of one device kind on one floor
func (s *Store) SavePositions(ctx context.Context, tenantID string, floor int, kind model.DeviceKind, positions map[string]model.Position) (bool, error) {
	if tenantID == "" {
		return false, apperror.New(apperror.InvalidInput, "school_id is required")
	}
	if err := validateFloor(floor); err != nil {
		return false, err
	}
	if _, err := model.ParseDeviceKind(string(kind)); err != nil {
		return false, apperror.Wrap(apperror.InvalidInput, "kind must be sensor or camera", err)
	}

	copied := make(map[string]model.Position, len(positions))
	for id, p := range positions {
		if id == "" {
			return false, apperror.New(apperror.InvalidInput, "device id is required")
		}
		if !finite(p.X) || !finite(p.Y) {
			return false, apperror.Newf(apperror.InvalidInput, "device %s has a non-finite position", id)
		}
		copied[id] = p
	}

	l := s.getOrCreate(tenantID)
	l.mu.Lock()
	l.positions(kind)[floor] = copied
	l.mu.Unlock()

	s.log.Info("Device positions saved",
		zap.String("school_id", tenantID),
		zap.Int("floor", floor),
		zap.String("kind", string(kind)),
		zap.Int("devices", len(copied)))

	return s.persist(ctx, tenantID), nil
}

// Positions returns the positions of one device kind on one floor. Floors
// that cannot hold data, like unknown ones, read as empty.
func (s *Store) Positions(tenantID string, floor int, kind model.DeviceKind) (map[string]model.Position, error) {
	if _, err := model.ParseDeviceKind(string(kind)); err != nil {
		return nil, apperror.Wrap(apperror.InvalidInput, "kind must be sensor or camera", err)
	}

	out := make(map[string]model.Position)
	l := s.get(tenantID)
	if l == nil || validateFloor(floor) != nil {
		return out, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, p := range l.positions(kind)[floor] {
		out[id] = p
	}
	return out, nil
}

// AllPositions returns the positions of one device kind on every floor
func (s *Store) AllPositions(tenantID string, kind model.DeviceKind) (map[int]map[string]model.Position, error) {
	if _, err := model.ParseDeviceKind(string(kind)); err != nil {
		return nil, apperror.Wrap(apperror.InvalidInput, "kind must be sensor or camera", err)
	}

	out := make(map[int]map[string]model.Position)
	l := s.get(tenantID)
	if l == nil {
		return out, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	return copyPositions(l.positions(kind)), nil
}

// Export returns a deep copy of every school's layout
func (s *Store) Export() map[string]model.SpatialLayout {
	s.mu.RLock()
	tenants := make(map[string]*layout, len(s.tenants))
	for id, l := range s.tenants {
		tenants[id] = l
	}
	s.mu.RUnlock()

	out := make(map[string]model.SpatialLayout, len(tenants))
	for id, l := range tenants {
		l.mu.RLock()
		floors := make([][]model.Point, len(l.floors))
		for i, floor := range l.floors {
			floors[i] = append([]model.Point{}, floor...)
		}
		out[id] = model.SpatialLayout{
			Floors:  floors,
			Sensors: copyPositions(l.sensors),
			Cameras: copyPositions(l.cameras),
		}
		l.mu.RUnlock()
	}
	return out
}

// Import replaces the store content with restored layouts
func (s *Store) Import(layouts map[string]model.SpatialLayout) {
	tenants := make(map[string]*layout, len(layouts))
	for id, src := range layouts {
		l := newLayout()
		for _, floor := range src.Floors {
			l.floors = append(l.floors, append([]model.Point{}, floor...))
		}
		l.sensors = copyPositions(src.Sensors)
		l.cameras = copyPositions(src.Cameras)
		tenants[id] = l
	}

	s.mu.Lock()
	s.tenants = tenants
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, tenantID string) bool {
	s.mu.RLock()
	snapshots := s.snapshots
	s.mu.RUnlock()

	if snapshots == nil {
		return false
	}
	if err := snapshots.SnapshotNow(ctx); err != nil {
		s.log.Error("Failed to persist spatial metadata",
			zap.String("school_id", tenantID),
			zap.Error(err))
		return false
	}
	return true
}

func validateFloor(floor int) error {
	if floor < 0 || floor >= MaxFloors {
		return apperror.Newf(apperror.InvalidInput, "floor must be between 0 and %d", MaxFloors-1)
	}
	return nil
}

func copyPositions(src map[int]map[string]model.Position) map[int]map[string]model.Position {
	out := make(map[int]map[string]model.Position, len(src))
	for floor, devices := range src {
		m := make(map[string]model.Position, len(devices))
		for id, p := range devices {
			m[id] = p
		}
		out[floor] = m
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
