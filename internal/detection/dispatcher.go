package detection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darsavelidze/safe-school/internal/apperror"
	"github.com/darsavelidze/safe-school/internal/model"
	"github.com/darsavelidze/safe-school/internal/telemetry"
	"github.com/darsavelidze/safe-school/prometheus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultQueueCapacity  = 16
	DefaultRequestTimeout = 10 * time.Second
)

var (
	ErrBusy        = apperror.New(apperror.Busy, "analysis queue is full, retry later")
	ErrTimeout     = apperror.New(apperror.Timeout, "analysis did not finish in time")
	ErrFailed      = apperror.New(apperror.DetectionFailed, "analysis failed")
	ErrUnavailable = apperror.New(apperror.Unavailable, "analysis is shutting down")
)

// CameraCommitter stores the outcome of an analysis
type CameraCommitter interface {
	Commit(tenantID, cameraID string, state model.CameraState, frame model.AnnotatedFrame)
}

// Publisher notifies live subscribers of a school
type Publisher interface {
	Publish(tenantID string, ev model.Event)
}

// Config holds dispatcher configuration
type Config struct {
	QueueCapacity  int
	RequestTimeout time.Duration
	// Coalesce lets a newer frame of a camera replace its queued predecessor
	Coalesce    bool
	JPEGQuality int
}

// Job is one frame submitted for analysis
type Job struct {
	TenantID  string
	CameraID  string
	Frame     Frame
	Annotated bool
	// Timestamp defaults to the submission time (epoch seconds)
	Timestamp int64
}

// Result is what a submitter receives back
type Result struct {
	Count     int
	Boxes     []model.Box
	Timestamp int64
	// Coalesced is set when the frame was superseded by a newer one of the
	// same camera before analysis started; the result is the newer frame's.
	Coalesced bool
}

// Stats is a point-in-time view of the dispatcher
type Stats struct {
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	InFlight  int32  `json:"in_flight"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
	Coalesced uint64 `json:"coalesced"`
	TimedOut  uint64 `json:"timed_out"`
}

type cameraKey struct {
	tenantID string
	cameraID string
}

type outcome struct {
	result Result
	err    error
}

type waiter struct {
	ch  chan outcome
	gen int
}

// entry is a queue slot. Until the worker picks it up, a newer frame of the
// same camera may replace job in place.
type entry struct {
	id        string
	key       cameraKey
	job       Job
	gen       int
	annotated bool
	waiters   []*waiter
}

// Dispatcher serializes all frame analysis onto a single worker behind a
// bounded queue. Callers wait for their result up to a request timeout; a
// full queue is reported as Busy instead of blocking.
type Dispatcher struct {
	analyzer  Analyzer
	cameras   CameraCommitter
	publisher Publisher
	log       *zap.Logger
	cfg       Config
	now       func() time.Time

	queue chan *entry

	mu      sync.Mutex
	pending map[cameraKey]*entry
	stopped bool

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	inFlight  atomic.Int32
	processed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	coalesced atomic.Uint64
	timedOut  atomic.Uint64
}

// NewDispatcher creates a dispatcher. Call Start before submitting.
func NewDispatcher(analyzer Analyzer, cameras CameraCommitter, publisher Publisher, log *zap.Logger, cfg Config) *Dispatcher {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		analyzer:  analyzer,
		cameras:   cameras,
		publisher: publisher,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
		queue:     make(chan *entry, cfg.QueueCapacity),
		pending:   make(map[cameraKey]*entry),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the worker
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.worker()
		d.log.Info("Detection dispatcher started",
			zap.Int("queue_capacity", d.cfg.QueueCapacity),
			zap.Duration("request_timeout", d.cfg.RequestTimeout),
			zap.Bool("coalesce", d.cfg.Coalesce))
	})
}

// Stop rejects new submissions, cancels the running analysis and fails
// every queued job with Unavailable.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()

		d.cancel()

		// the worker only exists once Start ran
		started := true
		d.startOnce.Do(func() {
			started = false
			close(d.done)
		})
		if started {
			select {
			case <-d.done:
			case <-ctx.Done():
				err = fmt.Errorf("detection worker did not stop: %w", ctx.Err())
			}
		}

		drained := d.drain()
		prometheus.DetectionQueueDepth.Set(0)
		d.log.Info("Detection dispatcher stopped", zap.Int("drained", drained))
	})
	return err
}

func (d *Dispatcher) drain() int {
	n := 0
	for {
		select {
		case e := <-d.queue:
			d.mu.Lock()
			if d.pending[e.key] == e {
				delete(d.pending, e.key)
			}
			waiters := e.waiters
			d.mu.Unlock()

			for _, w := range waiters {
				w.ch <- outcome{err: ErrUnavailable}
			}
			n++
		default:
			return n
		}
	}
}

// Submit queues a frame and waits for its analysis. The wait is bounded by
// the configured request timeout and ctx; on expiry the job stays queued and
// its result is still committed when it runs.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (Result, error) {
	if err := telemetry.ValidateID("school_id", job.TenantID); err != nil {
		return Result{}, err
	}
	if err := telemetry.ValidateID("camera_id", job.CameraID); err != nil {
		return Result{}, err
	}
	if job.Frame.Image == nil {
		return Result{}, apperror.New(apperror.InvalidInput, "frame is required")
	}
	if job.Timestamp == 0 {
		job.Timestamp = d.now().Unix()
	}

	w := &waiter{ch: make(chan outcome, 1)}
	key := cameraKey{tenantID: job.TenantID, cameraID: job.CameraID}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return Result{}, ErrUnavailable
	}

	if e, ok := d.pending[key]; ok && d.cfg.Coalesce {
		e.gen++
		e.job = job
		e.annotated = e.annotated || job.Annotated
		w.gen = e.gen
		e.waiters = append(e.waiters, w)
		d.mu.Unlock()

		d.coalesced.Add(1)
		prometheus.RecordDetectionJob("coalesced")
		d.log.Debug("Frame coalesced into queued job",
			zap.String("school_id", job.TenantID),
			zap.String("camera_id", job.CameraID),
			zap.String("job_id", e.id))
		return d.wait(ctx, job, w)
	}

	e := &entry{
		id:        uuid.New().String(),
		key:       key,
		job:       job,
		annotated: job.Annotated,
		waiters:   []*waiter{w},
	}
	select {
	case d.queue <- e:
		if d.cfg.Coalesce {
			d.pending[key] = e
		}
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		d.rejected.Add(1)
		prometheus.RecordDetectionJob("busy")
		d.log.Warn("Analysis queue full",
			zap.String("school_id", job.TenantID),
			zap.String("camera_id", job.CameraID),
			zap.Int("capacity", d.cfg.QueueCapacity))
		return Result{}, ErrBusy
	}

	prometheus.DetectionQueueDepth.Set(float64(len(d.queue)))
	return d.wait(ctx, job, w)
}

func (d *Dispatcher) wait(ctx context.Context, job Job, w *waiter) (Result, error) {
	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case out := <-w.ch:
		return out.result, out.err
	case <-timer.C:
	case <-ctx.Done():
	}

	d.timedOut.Add(1)
	prometheus.RecordDetectionJob("timeout")
	d.log.Warn("Analysis wait timed out",
		zap.String("school_id", job.TenantID),
		zap.String("camera_id", job.CameraID))
	return Result{}, ErrTimeout
}

// Stats returns the current counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    len(d.queue),
		Capacity:  d.cfg.QueueCapacity,
		InFlight:  d.inFlight.Load(),
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
		Coalesced: d.coalesced.Load(),
		TimedOut:  d.timedOut.Load(),
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)

	for {
		if d.ctx.Err() != nil {
			return
		}
		select {
		case <-d.ctx.Done():
			return
		case e := <-d.queue:
			prometheus.DetectionQueueDepth.Set(float64(len(d.queue)))
			d.process(e)
		}
	}
}

// process runs one queue entry to completion
func (d *Dispatcher) process(e *entry) {
	d.mu.Lock()
	if d.pending[e.key] == e {
		delete(d.pending, e.key)
	}
	job, gen, annotated, waiters := e.job, e.gen, e.annotated, e.waiters
	d.mu.Unlock()

	log := d.log.With(
		zap.String("job_id", e.id),
		zap.String("school_id", job.TenantID),
		zap.String("camera_id", job.CameraID))

	d.inFlight.Add(1)
	det, err := d.analyze(job.Frame)
	d.inFlight.Add(-1)

	if err != nil {
		d.failed.Add(1)
		prometheus.RecordDetectionJob("failed")
		log.Error("Frame analysis failed", zap.Error(err))

		failure := apperror.Wrap(apperror.DetectionFailed, ErrFailed.Message, err)
		for _, w := range waiters {
			w.ch <- outcome{result: Result{Count: 0, Boxes: []model.Box{}, Timestamp: job.Timestamp}, err: failure}
		}
		return
	}

	image, err := Annotate(job.Frame.Image, det.Boxes, d.cfg.JPEGQuality)
	if err != nil {
		log.Warn("Failed to annotate frame, keeping original", zap.Error(err))
		image = job.Frame.Raw
	}

	state := model.CameraState{Count: det.Count, Timestamp: job.Timestamp}
	d.cameras.Commit(job.TenantID, job.CameraID, state, model.AnnotatedFrame{
		Image:     image,
		Count:     det.Count,
		Boxes:     det.Boxes,
		Timestamp: job.Timestamp,
	})

	d.publisher.Publish(job.TenantID, model.Event{
		Type: model.EventCameraUpdate,
		Data: model.CameraUpdate{
			SchoolID:  job.TenantID,
			CameraID:  job.CameraID,
			Count:     det.Count,
			Timestamp: job.Timestamp,
		},
	})
	if annotated {
		d.publisher.Publish(job.TenantID, model.Event{
			Type: model.EventCameraFrame,
			Data: model.CameraFrame{
				SchoolID:  job.TenantID,
				CameraID:  job.CameraID,
				Count:     det.Count,
				Image:     image,
				Boxes:     det.Boxes,
				Timestamp: job.Timestamp,
			},
		})
	}

	d.processed.Add(1)
	prometheus.RecordDetectionJob("ok")
	log.Debug("Frame analyzed",
		zap.Int("people_count", det.Count),
		zap.Int("waiters", len(waiters)))

	for _, w := range waiters {
		boxes := make([]model.Box, len(det.Boxes))
		copy(boxes, det.Boxes)
		w.ch <- outcome{result: Result{
			Count:     det.Count,
			Boxes:     boxes,
			Timestamp: job.Timestamp,
			Coalesced: w.gen != gen,
		}}
	}
}

// analyze calls the analyzer with panic recovery and validates its answer
func (d *Dispatcher) analyze(frame Frame) (det Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analyzer panicked: %v", r)
		}
	}()
	defer prometheus.TrackDetection()()

	det, err = d.analyzer.Analyze(d.ctx, frame)
	if err != nil {
		return Detection{}, err
	}
	if err := validateDetection(det); err != nil {
		return Detection{}, err
	}
	if det.Boxes == nil {
		det.Boxes = []model.Box{}
	}
	return det, nil
}
