package evidence

import (
	"context"
	"log/slog"
	"sync"

	"evidenced/internal/metrics"
)

// DefaultQueueSize bounds the number of admitted events waiting for the
// pipeline.
const DefaultQueueSize = 8

// Processor runs one job to completion.
type Processor interface {
	Assemble(ctx context.Context, job Job) Result
}

// Worker runs jobs on one dedicated goroutine so the capture loop never
// waits on encoding, encryption or the ledger.
type Worker struct {
	proc    Processor
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Pipeline

	mu     sync.RWMutex
	queue  chan Job
	closed bool
	done   chan struct{}
}

// NewWorker creates a worker with a queue of queueSize jobs.
func NewWorker(proc Processor, sink Sink, queueSize int, logger *slog.Logger, m *metrics.Pipeline) *Worker {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return &Worker{
		proc:    proc,
		sink:    sink,
		logger:  logger,
		metrics: m,
		queue:   make(chan Job, queueSize),
		done:    make(chan struct{}),
	}
}

// Run processes jobs until the queue is closed and drained. ctx is passed
// to every pipeline run and delivery.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	for job := range w.queue {
		w.metrics.SetQueueDepth(len(w.queue))
		res := w.proc.Assemble(ctx, job)
		if err := w.sink.Deliver(ctx, res); err != nil {
			w.logger.Error("result delivery failed", "outcome", res.Outcome, "error", err)
		}
	}
	return nil
}

// Enqueue hands a job to the worker without blocking. It reports false when
// the queue is full or the worker is closed; the job is then dropped.
func (w *Worker) Enqueue(job Job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- job:
		w.metrics.SetQueueDepth(len(w.queue))
		return true
	default:
		w.metrics.RecordDropped()
		w.logger.Warn("pipeline queue full, event dropped", "kind", job.Trigger.Kind)
		return false
	}
}

// Full reports whether Enqueue would refuse a job right now.
func (w *Worker) Full() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed || len(w.queue) == cap(w.queue)
}

// Pending returns the number of queued jobs.
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Close stops accepting jobs. Queued jobs are still processed; Close
// returns once Run has drained them, or when ctx is done.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
