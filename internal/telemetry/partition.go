package telemetry

import "sync"

// partitions maps a tenant id to its own partition. The outer lock is only
// held to find or create a partition; all data access happens under the
// partition's own locks, so tenants never contend with each other.
type partitions[P any] struct {
	mu      sync.RWMutex
	byID    map[string]*P
	newPart func() *P
}

func newPartitions[P any](newPart func() *P) *partitions[P] {
	return &partitions[P]{
		byID:    make(map[string]*P),
		newPart: newPart,
	}
}

// get returns the partition for tenantID, or nil when it does not exist
func (p *partitions[P]) get(tenantID string) *P {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[tenantID]
}

// getOrCreate returns the partition for tenantID, creating it on first use
func (p *partitions[P]) getOrCreate(tenantID string) *P {
	if part := p.get(tenantID); part != nil {
		return part
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if part, ok := p.byID[tenantID]; ok {
		return part
	}
	part := p.newPart()
	p.byID[tenantID] = part
	return part
}
