// Package worker provides a generic job worker enforcing a global concurrency
// cap together with strict per-key ordering. Jobs sharing an execution key run
// one at a time in queue order; unrelated keys run in parallel up to the cap.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/metric"
)

// Result is one job's outcome. Jobs resolve independently; a failing job never
// aborts its siblings.
type Result struct {
	Success bool
	Err     error
}

// pending is one queued job awaiting a free slot.
type pending[J any] struct {
	job J
	key string
	ctx context.Context

	// Batch bookkeeping, nil for fire-and-forget submissions.
	result *Result
	wg     *sync.WaitGroup
}

// Worker drains a FIFO queue of jobs of type J.
type Worker[J any] struct {
	// Configuration
	concurrency int
	queueSize   int
	process     func(context.Context, J) error
	keyFunc     func(J) string
	logger      *slog.Logger

	// Scheduler state, guarded by mu.
	mu         sync.Mutex
	queue      []*pending[J]
	lockedKeys map[string]struct{}
	inFlight   int
	runCtx     context.Context
	jobsWG     sync.WaitGroup

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted int64
	processed int64
	failed    int64
	dropped   int64

	// Metrics configuration
	metricsRegistry *metric.Registry
	metricsPrefix   string
	metrics         *workerMetrics
}

type workerMetrics struct {
	queueDepth     prometheus.Gauge
	inFlight       prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Worker.
type Option[J any] func(*Worker[J])

// WithKeyFunc sets the execution-key extractor. Jobs whose key is empty are
// subject only to the global cap.
func WithKeyFunc[J any](fn func(J) string) Option[J] {
	return func(w *Worker[J]) {
		w.keyFunc = fn
	}
}

// WithMetricsRegistry registers worker metrics under the given prefix.
func WithMetricsRegistry[J any](registry *metric.Registry, prefix string) Option[J] {
	return func(w *Worker[J]) {
		w.metricsRegistry = registry
		w.metricsPrefix = prefix
	}
}

// WithLogger sets the worker's logger. Defaults to slog.Default.
func WithLogger[J any](logger *slog.Logger) Option[J] {
	return func(w *Worker[J]) {
		w.logger = logger
	}
}

// New creates a Worker with the given concurrency cap and queue size.
func New[J any](concurrency, queueSize int, process func(context.Context, J) error, opts ...Option[J]) *Worker[J] {
	if concurrency <= 0 {
		concurrency = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if process == nil {
		panic("worker: nil process function")
	}

	w := &Worker[J]{
		concurrency: concurrency,
		queueSize:   queueSize,
		process:     process,
		lockedKeys:  make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")

	if w.metricsRegistry != nil && w.metricsPrefix != "" {
		w.initializeMetrics()
	}

	return w
}

func (w *Worker[J]) initializeMetrics() {
	prefix := w.metricsPrefix

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_queue_depth",
		Help: "Jobs waiting for a slot",
	})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: prefix + "_in_flight",
		Help: "Jobs currently executing",
	})
	submitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_submitted_total",
		Help: "Total jobs submitted",
	})
	processed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_processed_total",
		Help: "Total jobs processed",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_failed_total",
		Help: "Total jobs that failed",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: prefix + "_dropped_total",
		Help: "Total jobs dropped due to a full queue",
	})
	processingTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    prefix + "_processing_duration_seconds",
		Help:    "Time spent executing jobs",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"status"})

	component := "worker"
	_ = w.metricsRegistry.Register(component, prefix+"_queue_depth", queueDepth)
	_ = w.metricsRegistry.Register(component, prefix+"_in_flight", inFlight)
	_ = w.metricsRegistry.Register(component, prefix+"_submitted_total", submitted)
	_ = w.metricsRegistry.Register(component, prefix+"_processed_total", processed)
	_ = w.metricsRegistry.Register(component, prefix+"_failed_total", failed)
	_ = w.metricsRegistry.Register(component, prefix+"_dropped_total", dropped)
	_ = w.metricsRegistry.Register(component, prefix+"_processing_duration_seconds", processingTime)

	w.metrics = &workerMetrics{
		queueDepth:     queueDepth,
		inFlight:       inFlight,
		submitted:      submitted,
		processed:      processed,
		failed:         failed,
		dropped:        dropped,
		processingTime: processingTime,
	}
}

// Start makes the worker accept jobs. The context is used for jobs enqueued
// through Submit.
func (w *Worker[J]) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Worker", "Start",
			"worker already running")
	}

	w.mu.Lock()
	w.runCtx = ctx
	w.mu.Unlock()

	w.started = true
	return nil
}

// Stop refuses new jobs, fails every queued-but-unstarted job with
// ErrWorkerStopped, and waits up to timeout for in-flight jobs to finish.
func (w *Worker[J]) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.started || w.stopped {
		return nil
	}
	w.stopped = true

	w.mu.Lock()
	abandoned := w.queue
	w.queue = nil
	w.mu.Unlock()

	for _, p := range abandoned {
		w.resolve(p, errors.ErrWorkerStopped)
	}

	done := make(chan struct{})
	go func() {
		w.jobsWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrStopTimeout, "Worker", "Stop",
			"in-flight jobs did not finish")
	}
}

// Submit enqueues one job without waiting for its result. Returns ErrQueueFull
// when the queue has no room.
func (w *Worker[J]) Submit(job J) error {
	if err := w.acceptable(); err != nil {
		return err
	}

	w.mu.Lock()
	if len(w.queue) >= w.queueSize {
		w.mu.Unlock()
		atomic.AddInt64(&w.dropped, 1)
		if w.metrics != nil {
			w.metrics.dropped.Inc()
		}
		return errors.WrapTransient(errors.ErrQueueFull, "Worker", "Submit",
			"job queue full")
	}
	w.enqueueLocked(&pending[J]{job: job, key: w.keyOf(job), ctx: w.runCtx})
	w.mu.Unlock()
	return nil
}

// Execute enqueues a batch and blocks until every job in it has resolved.
// Results are positional: results[i] belongs to jobs[i]. The batch is admitted
// atomically; if the queue cannot hold all of it, nothing is enqueued.
func (w *Worker[J]) Execute(ctx context.Context, jobs []J) ([]Result, error) {
	if err := w.acceptable(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))

	w.mu.Lock()
	if len(w.queue)+len(jobs) > w.queueSize {
		w.mu.Unlock()
		atomic.AddInt64(&w.dropped, int64(len(jobs)))
		if w.metrics != nil {
			w.metrics.dropped.Add(float64(len(jobs)))
		}
		return nil, errors.WrapTransient(errors.ErrQueueFull, "Worker", "Execute",
			"job queue cannot hold batch")
	}
	for i, job := range jobs {
		w.enqueueLocked(&pending[J]{
			job:    job,
			key:    w.keyOf(job),
			ctx:    ctx,
			result: &results[i],
			wg:     &wg,
		})
	}
	w.mu.Unlock()

	wg.Wait()
	return results, nil
}

// Stats is a point-in-time snapshot of the worker's counters.
type Stats struct {
	Concurrency int   `json:"concurrency"`
	QueueSize   int   `json:"queue_size"`
	QueueDepth  int   `json:"queue_depth"`
	InFlight    int   `json:"in_flight"`
	Submitted   int64 `json:"submitted"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns current worker statistics.
func (w *Worker[J]) Stats() Stats {
	w.mu.Lock()
	depth := len(w.queue)
	inFlight := w.inFlight
	w.mu.Unlock()

	return Stats{
		Concurrency: w.concurrency,
		QueueSize:   w.queueSize,
		QueueDepth:  depth,
		InFlight:    inFlight,
		Submitted:   atomic.LoadInt64(&w.submitted),
		Processed:   atomic.LoadInt64(&w.processed),
		Failed:      atomic.LoadInt64(&w.failed),
		Dropped:     atomic.LoadInt64(&w.dropped),
	}
}

func (w *Worker[J]) acceptable() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Worker", "Submit",
			"worker not started")
	}
	if w.stopped {
		return errors.WrapInvalid(errors.ErrWorkerStopped, "Worker", "Submit",
			"worker stopped")
	}
	return nil
}

func (w *Worker[J]) keyOf(job J) string {
	if w.keyFunc == nil {
		return ""
	}
	return w.keyFunc(job)
}

func (w *Worker[J]) enqueueLocked(p *pending[J]) {
	w.queue = append(w.queue, p)
	atomic.AddInt64(&w.submitted, 1)
	if w.metrics != nil {
		w.metrics.submitted.Inc()
		w.metrics.queueDepth.Set(float64(len(w.queue)))
	}
	w.scheduleLocked()
}

// scheduleLocked scans the queue from the head and starts every eligible job.
// A job is skipped, but scanning continues past it, while its key is locked;
// the scan stops once the global cap is reached. Caller holds mu.
func (w *Worker[J]) scheduleLocked() {
	i := 0
	for i < len(w.queue) {
		if w.inFlight >= w.concurrency {
			break
		}
		p := w.queue[i]
		if p.key != "" {
			if _, locked := w.lockedKeys[p.key]; locked {
				i++
				continue
			}
			w.lockedKeys[p.key] = struct{}{}
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		w.inFlight++
		w.jobsWG.Add(1)
		go w.run(p)
	}

	if w.metrics != nil {
		w.metrics.queueDepth.Set(float64(len(w.queue)))
		w.metrics.inFlight.Set(float64(w.inFlight))
	}
}

// run executes one job, then releases its slot and key and re-scans the queue.
func (w *Worker[J]) run(p *pending[J]) {
	defer w.jobsWG.Done()

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	err := w.process(ctx, p.job)
	duration := time.Since(start)

	atomic.AddInt64(&w.processed, 1)
	status := "success"
	if err != nil {
		atomic.AddInt64(&w.failed, 1)
		status = "error"
	}
	if w.metrics != nil {
		w.metrics.processed.Inc()
		if err != nil {
			w.metrics.failed.Inc()
		}
		w.metrics.processingTime.WithLabelValues(status).Observe(duration.Seconds())
	}

	w.mu.Lock()
	w.inFlight--
	if p.key != "" {
		delete(w.lockedKeys, p.key)
	}
	w.scheduleLocked()
	w.mu.Unlock()

	w.resolve(p, err)
}

func (w *Worker[J]) resolve(p *pending[J], err error) {
	if p.result != nil {
		*p.result = Result{Success: err == nil, Err: err}
	}
	if p.wg != nil {
		p.wg.Done()
	}
}
