package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/internal/spatial"
	"github.com/darsavelidze/safe-school/internal/tenant"
	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/darsavelidze/safe-school/pkg/jwtutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type memoryStore struct {
	mu    sync.Mutex
	blob  []byte
	saves atomic.Int32
	err   error
}

func (m *memoryStore) Name() string { return "memory" }

func (m *memoryStore) Save(ctx context.Context, blob []byte) error {
	m.saves.Add(1)
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *memoryStore) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blob == nil {
		return nil, ErrNoSnapshot
	}
	return m.blob, nil
}

type state struct {
	dir     *tenant.Directory
	spatial *spatial.Store
	gateway *Gateway
}

func newState(t *testing.T, store Store) state {
	t.Helper()
	tokens := jwtutil.NewJWTUtil(&config.JWTConfig{SigningKey: "test-key", ExpirationHours: 24})
	dir := tenant.NewDirectory(tokens, zap.NewNop(), bcrypt.MinCost)
	sp := spatial.NewStore(nil, zap.NewNop())

	gw := NewGateway(store, zap.NewNop())
	gw.Bind(dir, sp)
	dir.SetSnapshotRequester(gw)
	sp.SetSnapshotter(gw)

	return state{dir: dir, spatial: sp, gateway: gw}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))
	ctx := context.Background()

	src := newState(t, store)
	_, err := src.dir.Register("school_1", "First School", "pw123")
	require.NoError(t, err)
	persisted, err := src.spatial.SaveFloorPlans(ctx, "school_1", [][]model.Point{{{X: 0, Y: 0}, {X: 4, Y: 3}}})
	require.NoError(t, err)
	assert.True(t, persisted)
	_, err = src.spatial.SavePositions(ctx, "school_1", 0, model.DeviceSensor, map[string]model.Position{"sensor_1": {X: 1, Y: 1}})
	require.NoError(t, err)

	dst := newState(t, store)
	snap, err := dst.gateway.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)

	_, err = dst.dir.Authenticate("school_1", "pw123")
	assert.NoError(t, err)
	assert.Equal(t, src.spatial.FloorPlans("school_1"), dst.spatial.FloorPlans("school_1"))
	positions, err := dst.spatial.Positions("school_1", 0, model.DeviceSensor)
	require.NoError(t, err)
	assert.Equal(t, model.Position{X: 1, Y: 1}, positions["sensor_1"])
}

func TestSnapshot_ExcludesTelemetryAndSecrets(t *testing.T) {
	store := &memoryStore{}
	s := newState(t, store)
	_, err := s.dir.Register("school_1", "", "pw123")
	require.NoError(t, err)

	blob, err := s.gateway.Snapshot(context.Background())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(blob, &raw))
	assert.ElementsMatch(t, []string{"version", "taken_at", "tenants", "spatial"}, keys(raw))
	assert.NotContains(t, string(blob), "pw123")
}

func TestRestore_Empty(t *testing.T) {
	s := newState(t, &memoryStore{})

	snap, err := s.gateway.Restore(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Tenants)
	assert.Equal(t, 0, s.dir.Count())
}

func TestRestore_RejectsNewerVersion(t *testing.T) {
	store := &memoryStore{blob: []byte(`{"version":99,"tenants":[],"spatial":{}}`)}
	s := newState(t, store)

	_, err := s.gateway.Restore(context.Background())
	assert.Error(t, err)
}

func TestRestore_CorruptBlob(t *testing.T) {
	s := newState(t, &memoryStore{blob: []byte("not json")})

	_, err := s.gateway.Restore(context.Background())
	assert.Error(t, err)
}

func TestSnapshotFailure_DoesNotUndoSave(t *testing.T) {
	s := newState(t, &memoryStore{err: errors.New("disk full")})

	persisted, err := s.spatial.SaveFloorPlans(context.Background(), "school_1", [][]model.Point{{{X: 1, Y: 1}}})
	require.NoError(t, err)
	assert.False(t, persisted)
	assert.Len(t, s.spatial.FloorPlans("school_1"), 1)
}

func TestUnboundGateway(t *testing.T) {
	gw := NewGateway(&memoryStore{}, zap.NewNop())

	_, err := gw.Snapshot(context.Background())
	assert.Error(t, err)
	_, err = gw.Restore(context.Background())
	assert.Error(t, err)
}

func TestRun_ServesRequestsAndFlushes(t *testing.T) {
	store := &memoryStore{}
	s := newState(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.gateway.Run(ctx) }()

	_, err := s.dir.Register("school_1", "", "pw123")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		blob, err := store.Load(context.Background())
		return err == nil && len(blob) > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestRequestSnapshot_Coalesces(t *testing.T) {
	store := &memoryStore{}
	s := newState(t, store)

	for i := 0; i < 10; i++ {
		s.gateway.RequestSnapshot()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.gateway.Run(ctx))

	assert.Equal(t, int32(1), store.saves.Load())
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
