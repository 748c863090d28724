package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAnalyzer reports Raw[0] as the people count. When gate is set every
// call blocks until gate is closed or the context ends.
type fakeAnalyzer struct {
	gate     chan struct{}
	started  chan struct{}
	err      error
	panicMsg string
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, frame Frame) (Detection, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	f.calls.Add(1)

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Detection{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return Detection{}, f.err
	}

	count := int(frame.Raw[0])
	boxes := make([]model.Box, count)
	for i := range boxes {
		boxes[i] = model.Box{X1: i, Y1: i, X2: i + 2, Y2: i + 2, Confidence: 0.5}
	}
	return Detection{Count: count, Boxes: boxes}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []model.Event
	cameras *telemetry.CameraStore
	// committed records whether the camera store already held the published
	// count when each event was published
	committed []bool
}

func (p *recordingPublisher) Publish(tenantID string, ev model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)

	if upd, ok := ev.Data.(model.CameraUpdate); ok && p.cameras != nil {
		state, frame, found := p.cameras.Entry(tenantID, upd.CameraID)
		p.committed = append(p.committed, found && state.Count == upd.Count && frame.Count == upd.Count)
	}
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func frameWithCount(n int) Frame {
	return Frame{Raw: []byte{byte(n)}, Image: testImage(16, 16), Format: "png"}
}

func newTestDispatcher(t *testing.T, analyzer Analyzer, cfg Config) (*Dispatcher, *telemetry.CameraStore, *recordingPublisher) {
	t.Helper()
	cameras := telemetry.NewCameraStore()
	pub := &recordingPublisher{cameras: cameras}
	d := NewDispatcher(analyzer, cameras, pub, zap.NewNop(), cfg)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d, cameras, pub
}

func TestSubmit_CommitsAndPublishes(t *testing.T) {
	d, cameras, pub := newTestDispatcher(t, &fakeAnalyzer{}, Config{QueueCapacity: 4, RequestTimeout: time.Second})

	res, err := d.Submit(context.Background(), Job{
		TenantID:  "school_a",
		CameraID:  "cam_1",
		Frame:     frameWithCount(3),
		Annotated: true,
		Timestamp: 1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Len(t, res.Boxes, 3)
	assert.False(t, res.Coalesced)

	state, frame, ok := cameras.Entry("school_a", "cam_1")
	require.True(t, ok)
	assert.Equal(t, model.CameraState{Count: 3, Timestamp: 1700000000}, state)
	assert.Equal(t, 3, frame.Count)
	assert.NotEmpty(t, frame.Image)

	assert.Equal(t, []string{model.EventCameraUpdate, model.EventCameraFrame}, pub.types())
	assert.Equal(t, []bool{true}, pub.committed)
}

func TestSubmit_PlainFramePublishesUpdateOnly(t *testing.T) {
	d, _, pub := newTestDispatcher(t, &fakeAnalyzer{}, Config{QueueCapacity: 4, RequestTimeout: time.Second})

	_, err := d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1)})
	require.NoError(t, err)

	assert.Equal(t, []string{model.EventCameraUpdate}, pub.types())
}

func TestSubmit_InvalidInputNeverQueued(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	d, _, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 4, RequestTimeout: time.Second})

	tests := []struct {
		name string
		job  Job
	}{
		{"missing camera", Job{TenantID: "school_a", Frame: frameWithCount(1)}},
		{"missing tenant", Job{CameraID: "cam_1", Frame: frameWithCount(1)}},
		{"missing frame", Job{TenantID: "school_a", CameraID: "cam_1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Submit(context.Background(), tt.job)
			assert.True(t, apperror.IsKind(err, apperror.InvalidInput))
		})
	}
	assert.Equal(t, int32(0), analyzer.calls.Load())
}

func TestSubmit_SerializesAnalysis(t *testing.T) {
	analyzer := &fakeAnalyzer{delay: 2 * time.Millisecond}
	d, _, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 64, RequestTimeout: 5 * time.Second})

	const n = 24
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), Job{
				TenantID: "school_a",
				CameraID: fmt.Sprintf("cam_%d", i),
				Frame:    frameWithCount(1),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), analyzer.maxInFlight.Load())
	assert.Equal(t, int32(n), analyzer.calls.Load())
	assert.Equal(t, uint64(n), d.Stats().Processed)
}

func TestSubmit_BusyWhenQueueFull(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	d, _, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 1, RequestTimeout: 5 * time.Second})
	ctx := context.Background()

	results := make(chan error, 2)
	go func() {
		_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1)})
		results <- err
	}()
	<-analyzer.started

	go func() {
		_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_2", Frame: frameWithCount(1)})
		results <- err
	}()
	require.Eventually(t, func() bool { return d.Stats().Queued == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_3", Frame: frameWithCount(1)})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().Rejected)

	close(analyzer.gate)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)
}

func TestSubmit_TimeoutKeepsJobQueued(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	d, cameras, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 4, RequestTimeout: 30 * time.Millisecond})

	_, err := d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(2)})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, apperror.IsKind(err, apperror.Timeout))

	close(analyzer.gate)
	require.Eventually(t, func() bool {
		state, _, ok := cameras.Entry("school_a", "cam_1")
		return ok && state.Count == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().TimedOut)
}

func TestSubmit_ContextCancelled(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	d, _, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 4, RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-analyzer.started
		cancel()
	}()

	_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1)})
	assert.ErrorIs(t, err, ErrTimeout)
	close(analyzer.gate)
}

func TestSubmit_DetectionFailedDegradesToZero(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *fakeAnalyzer
	}{
		{"error", &fakeAnalyzer{err: errors.New("model crashed")}},
		{"panic", &fakeAnalyzer{panicMsg: "nil tensor"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, cameras, pub := newTestDispatcher(t, tt.analyzer, Config{QueueCapacity: 4, RequestTimeout: time.Second})

			res, err := d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(4)})
			assert.True(t, apperror.IsKind(err, apperror.DetectionFailed))
			assert.Equal(t, 0, res.Count)

			_, _, ok := cameras.Entry("school_a", "cam_1")
			assert.False(t, ok)
			assert.Empty(t, pub.types())

			// the worker survives
			tt.analyzer.err = nil
			tt.analyzer.panicMsg = ""
			res, err = d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(4)})
			require.NoError(t, err)
			assert.Equal(t, 4, res.Count)
		})
	}
}

type negativeAnalyzer struct{}

func (negativeAnalyzer) Analyze(ctx context.Context, frame Frame) (Detection, error) {
	return Detection{Count: -1}, nil
}

func TestSubmit_InvalidAnalyzerOutput(t *testing.T) {
	d, _, _ := newTestDispatcher(t, negativeAnalyzer{}, Config{QueueCapacity: 4, RequestTimeout: time.Second})

	_, err := d.Submit(context.Background(), Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1)})
	assert.True(t, apperror.IsKind(err, apperror.DetectionFailed))
	assert.Equal(t, uint64(1), d.Stats().Failed)
}

func TestSubmit_CoalescesQueuedFrames(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	d, cameras, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 4, RequestTimeout: 5 * time.Second, Coalesce: true})
	ctx := context.Background()

	// occupy the worker
	blocker := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_busy", Frame: frameWithCount(0)})
		blocker <- err
	}()
	<-analyzer.started

	older := make(chan Result, 1)
	go func() {
		res, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1), Timestamp: 10})
		assert.NoError(t, err)
		older <- res
	}()
	require.Eventually(t, func() bool { return d.Stats().Queued == 1 }, time.Second, time.Millisecond)

	newer := make(chan Result, 1)
	go func() {
		res, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(5), Timestamp: 11})
		assert.NoError(t, err)
		newer <- res
	}()
	require.Eventually(t, func() bool { return d.Stats().Coalesced == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, d.Stats().Queued, "coalescing must not take a queue slot")

	close(analyzer.gate)
	require.NoError(t, <-blocker)

	o, n := <-older, <-newer
	assert.True(t, o.Coalesced)
	assert.False(t, n.Coalesced)
	assert.Equal(t, 5, o.Count)
	assert.Equal(t, 5, n.Count)
	assert.Equal(t, int64(11), n.Timestamp)

	state, _, ok := cameras.Entry("school_a", "cam_1")
	require.True(t, ok)
	assert.Equal(t, model.CameraState{Count: 5, Timestamp: 11}, state)
	assert.Equal(t, int32(2), analyzer.calls.Load())
}

func TestSubmit_BackpressureSignalsBusy(t *testing.T) {
	analyzer := &fakeAnalyzer{delay: 20 * time.Millisecond}
	d, _, _ := newTestDispatcher(t, analyzer, Config{QueueCapacity: 2, RequestTimeout: 5 * time.Second})

	const n = 10
	var busy, ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), Job{
				TenantID: "school_a",
				CameraID: fmt.Sprintf("cam_%d", i),
				Frame:    frameWithCount(1),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, busy.Load(), int32(1))
	assert.Equal(t, int32(n), busy.Load()+ok.Load())
}

func TestPairingUnderConcurrency(t *testing.T) {
	d, cameras, _ := newTestDispatcher(t, &fakeAnalyzer{}, Config{QueueCapacity: 64, RequestTimeout: 5 * time.Second, Coalesce: true})

	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if state, frame, ok := cameras.Entry("school_a", "cam_1"); ok {
				assert.Equal(t, state.Count, frame.Count)
				assert.Equal(t, state.Timestamp, frame.Timestamp)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Submit(context.Background(), Job{
				TenantID:  "school_a",
				CameraID:  "cam_1",
				Frame:     frameWithCount(i % 7),
				Timestamp: int64(i + 1),
			})
		}(i)
	}
	wg.Wait()
	close(stop)
	readerWG.Wait()
}

func TestStop_FailsQueuedJobs(t *testing.T) {
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), started: make(chan struct{}, 8)}
	cameras := telemetry.NewCameraStore()
	d := NewDispatcher(analyzer, cameras, &recordingPublisher{}, zap.NewNop(), Config{QueueCapacity: 4, RequestTimeout: 5 * time.Second})
	d.Start()
	ctx := context.Background()

	running := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_1", Frame: frameWithCount(1)})
		running <- err
	}()
	<-analyzer.started

	queued := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_2", Frame: frameWithCount(1)})
		queued <- err
	}()
	require.Eventually(t, func() bool { return d.Stats().Queued == 1 }, time.Second, time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	assert.True(t, apperror.IsKind(<-running, apperror.DetectionFailed))
	assert.ErrorIs(t, <-queued, ErrUnavailable)

	_, err := d.Submit(ctx, Job{TenantID: "school_a", CameraID: "cam_3", Frame: frameWithCount(1)})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStop_WithoutStart(t *testing.T) {
	d := NewDispatcher(NopAnalyzer{}, telemetry.NewCameraStore(), &recordingPublisher{}, zap.NewNop(), Config{})
	assert.NoError(t, d.Stop(context.Background()))
	d.Start()
}
