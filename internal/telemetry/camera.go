package telemetry

import (
	"sync"

	"github.com/darsavelidze/safe-school/internal/model"
)

type cameraEntry struct {
	state    model.CameraState
	frame    model.AnnotatedFrame
	hasFrame bool
}

type cameraPartition struct {
	mu      sync.RWMutex
	cameras map[string]*cameraEntry
}

// CameraStore keeps the latest occupancy and annotated frame of every camera.
// Nothing is historized: each commit overwrites the previous one.
type CameraStore struct {
	tenants *partitions[cameraPartition]
}

// NewCameraStore creates an empty camera store
func NewCameraStore() *CameraStore {
	return &CameraStore{
		tenants: newPartitions(func() *cameraPartition {
			return &cameraPartition{cameras: make(map[string]*cameraEntry)}
		}),
	}
}

// Commit stores state and frame for a camera in one critical section, so a
// reader never sees the state of one analysis next to the frame of another.
// frame.Image must not be modified by the caller afterwards.
func (s *CameraStore) Commit(tenantID, cameraID string, state model.CameraState, frame model.AnnotatedFrame) {
	part := s.tenants.getOrCreate(tenantID)

	part.mu.Lock()
	defer part.mu.Unlock()

	part.cameras[cameraID] = &cameraEntry{
		state:    state,
		frame:    frame,
		hasFrame: true,
	}
}

// States returns the latest state of every camera of a school
func (s *CameraStore) States(tenantID string) map[string]model.CameraState {
	out := make(map[string]model.CameraState)

	part := s.tenants.get(tenantID)
	if part == nil {
		return out
	}

	part.mu.RLock()
	defer part.mu.RUnlock()
	for id, entry := range part.cameras {
		out[id] = entry.state
	}
	return out
}

// Frame returns the latest annotated frame of a camera
func (s *CameraStore) Frame(tenantID, cameraID string) (model.AnnotatedFrame, bool) {
	_, frame, ok := s.Entry(tenantID, cameraID)
	return frame, ok
}

// Entry returns state and frame of a camera as they were committed together
func (s *CameraStore) Entry(tenantID, cameraID string) (model.CameraState, model.AnnotatedFrame, bool) {
	part := s.tenants.get(tenantID)
	if part == nil {
		return model.CameraState{}, model.AnnotatedFrame{}, false
	}

	part.mu.RLock()
	defer part.mu.RUnlock()

	entry, ok := part.cameras[cameraID]
	if !ok || !entry.hasFrame {
		return model.CameraState{}, model.AnnotatedFrame{}, false
	}

	frame := entry.frame
	frame.Boxes = make([]model.Box, len(entry.frame.Boxes))
	copy(frame.Boxes, entry.frame.Boxes)
	return entry.state, frame, true
}
