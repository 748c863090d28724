package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/prometheus"
	"go.uber.org/zap"
)

// SnapshotVersion is the blob format written by this build
const SnapshotVersion = 1

// flushTimeout bounds the final snapshot written on shutdown
const flushTimeout = 5 * time.Second

// TenantSource is the tenant directory as seen by the gateway
type TenantSource interface {
	Export() []model.Tenant
	Import([]model.Tenant)
}

// SpatialSource is the spatial metadata store as seen by the gateway
type SpatialSource interface {
	Export() map[string]model.SpatialLayout
	Import(map[string]model.SpatialLayout)
}

// Snapshot is the durable state of the service. Telemetry is live data and
// never part of it.
type Snapshot struct {
	Version int                            `json:"version"`
	TakenAt time.Time                      `json:"taken_at"`
	Tenants []model.Tenant                 `json:"tenants"`
	Spatial map[string]model.SpatialLayout `json:"spatial"`
}

// Gateway serializes the tenant directory and spatial metadata into a
// single blob and hands it to a Store.
type Gateway struct {
	store Store
	log   *zap.Logger

	// writeMu keeps snapshots ordered, so an older blob never overwrites a
	// newer one.
	writeMu sync.Mutex

	mu      sync.RWMutex
	tenants TenantSource
	spatial SpatialSource

	requests chan struct{}
	now      func() time.Time
}

// NewGateway creates a gateway writing to store
func NewGateway(store Store, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		store:    store,
		log:      log.With(zap.String("backend", store.Name())),
		requests: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Bind attaches the state sources. Must be called before any snapshot.
func (g *Gateway) Bind(tenants TenantSource, spatial SpatialSource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tenants = tenants
	g.spatial = spatial
}

func (g *Gateway) sources() (TenantSource, SpatialSource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.tenants == nil || g.spatial == nil {
		return nil, nil, errors.New("persistence gateway is not bound")
	}
	return g.tenants, g.spatial, nil
}

// Snapshot serializes the current state, saves it and returns the blob
func (g *Gateway) Snapshot(ctx context.Context) ([]byte, error) {
	tenants, spatial, err := g.sources()
	if err != nil {
		return nil, err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	snap := Snapshot{
		Version: SnapshotVersion,
		TakenAt: g.now().UTC(),
		Tenants: tenants.Export(),
		Spatial: spatial.Export(),
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		prometheus.RecordSnapshot(g.store.Name(), err)
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	err = g.store.Save(ctx, blob)
	prometheus.RecordSnapshot(g.store.Name(), err)
	if err != nil {
		return nil, err
	}

	g.log.Debug("Snapshot written",
		zap.Int("tenants", len(snap.Tenants)),
		zap.Int("bytes", len(blob)))
	return blob, nil
}

// SnapshotNow writes a snapshot and waits for it
func (g *Gateway) SnapshotNow(ctx context.Context) error {
	_, err := g.Snapshot(ctx)
	return err
}

// RequestSnapshot asks Run to write a snapshot soon. Requests made while one
// is already pending are merged into it.
func (g *Gateway) RequestSnapshot() {
	select {
	case g.requests <- struct{}{}:
	default:
	}
}

// Run serves snapshot requests until ctx is cancelled, then flushes any
// pending request.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("Persistence gateway started")
	for {
		select {
		case <-g.requests:
			if err := g.SnapshotNow(ctx); err != nil {
				g.log.Error("Failed to write requested snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			select {
			case <-g.requests:
				flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
				if err := g.SnapshotNow(flushCtx); err != nil {
					g.log.Error("Failed to flush snapshot on shutdown", zap.Error(err))
				}
				cancel()
			default:
			}
			g.log.Info("Persistence gateway stopped")
			return nil
		}
	}
}

// Restore loads the stored snapshot into the bound sources. A missing
// snapshot restores an empty state.
func (g *Gateway) Restore(ctx context.Context) (*Snapshot, error) {
	tenants, spatial, err := g.sources()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version: SnapshotVersion,
		Tenants: []model.Tenant{},
		Spatial: map[string]model.SpatialLayout{},
	}

	blob, err := g.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSnapshot):
		g.log.Info("No snapshot found, starting empty")
	case err != nil:
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	default:
		if err := json.Unmarshal(blob, snap); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		if snap.Version > SnapshotVersion {
			return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, SnapshotVersion)
		}
	}

	tenants.Import(snap.Tenants)
	spatial.Import(snap.Spatial)

	g.log.Info("Snapshot restored",
		zap.Int("tenants", len(snap.Tenants)),
		zap.Int("spatial_layouts", len(snap.Spatial)),
		zap.Time("taken_at", snap.TakenAt))
	return snap, nil
}
