// Package capture runs the single-writer capture loop: it pulls frames
// from a source into the ring buffer, asks the detector about each frame
// and hands admitted events to the evidence pipeline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"evidenced/internal/detect"
	"evidenced/internal/evidence"
	"evidenced/internal/framebuf"
	"evidenced/internal/metrics"
	"evidenced/internal/throttle"
)

// DefaultBufferSeconds is the rolling window kept before a trigger.
const DefaultBufferSeconds = 8.0

// Enqueuer accepts admitted events without blocking.
type Enqueuer interface {
	Enqueue(job evidence.Job) bool
}

// fullReporter is implemented by queues that can tell ahead of Enqueue that
// they have no room. The loop then leaves the cooldown unspent.
type fullReporter interface {
	Full() bool
}

// Config sizes the loop.
type Config struct {
	// BufferSeconds is the length of the pre-trigger window.
	BufferSeconds float64
	// FallbackFrameRate applies when the source reports no rate.
	FallbackFrameRate float64
}

// Stats counts what the loop has seen.
type Stats struct {
	Frames         uint64
	Triggers       uint64
	Admitted       uint64
	Suppressed     uint64
	Dropped        uint64
	DetectorErrors uint64
}

// Loop is the only writer of its ring buffer and throttle.
type Loop struct {
	source   Source
	detector detect.Detector
	throttle *throttle.Throttle
	queue    Enqueuer

	buf       *framebuf.RingBuffer
	frameRate float64
	window    time.Duration

	logger  *slog.Logger
	metrics *metrics.Pipeline
	now     func() time.Time

	seq            uint64
	frames         atomic.Uint64
	triggers       atomic.Uint64
	admitted       atomic.Uint64
	suppressed     atomic.Uint64
	dropped        atomic.Uint64
	detectorErrors atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithMetrics records loop activity.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(lp *Loop) {
		if now != nil {
			lp.now = now
		}
	}
}

// NewLoop resolves the frame rate from the source and sizes the buffer
// to hold BufferSeconds of frames.
func NewLoop(cfg Config, src Source, det detect.Detector, th *throttle.Throttle, q Enqueuer, opts ...Option) (*Loop, error) {
	switch {
	case src == nil:
		return nil, errors.New("capture: nil source")
	case det == nil:
		return nil, errors.New("capture: nil detector")
	case th == nil:
		return nil, errors.New("capture: nil throttle")
	case q == nil:
		return nil, errors.New("capture: nil queue")
	}
	if cfg.BufferSeconds <= 0 {
		cfg.BufferSeconds = DefaultBufferSeconds
	}

	fps := framebuf.ResolveFrameRate(src.FrameRate(), cfg.FallbackFrameRate)
	l := &Loop{
		source:    src,
		detector:  det,
		throttle:  th,
		queue:     q,
		buf:       framebuf.New(framebuf.CapacityFor(cfg.BufferSeconds, fps)),
		frameRate: fps,
		window:    time.Duration(cfg.BufferSeconds * float64(time.Second)),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Buffer exposes the ring buffer for read-only inspection.
func (l *Loop) Buffer() *framebuf.RingBuffer { return l.buf }

// FrameRate returns the resolved capture rate.
func (l *Loop) FrameRate() float64 { return l.frameRate }

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Frames:         l.frames.Load(),
		Triggers:       l.triggers.Load(),
		Admitted:       l.admitted.Load(),
		Suppressed:     l.suppressed.Load(),
		Dropped:        l.dropped.Load(),
		DetectorErrors: l.detectorErrors.Load(),
	}
}

// Run consumes the source until it ends (nil), ctx is cancelled
// (ctx.Err()) or the source fails.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("capture started",
		"frame_rate", l.frameRate, "buffer_frames", l.buf.Cap(), "window", l.window)

	for {
		f, err := l.source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			l.logger.Info("capture source ended", "frames", l.frames.Load())
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			return fmt.Errorf("capture: %w", err)
		}
		l.step(ctx, f)
	}
}

func (l *Loop) step(ctx context.Context, f framebuf.Frame) {
	now := l.now()
	f.Seq = l.seq
	l.seq++
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}

	l.buf.Push(f)
	l.frames.Add(1)
	l.metrics.RecordFrame()

	raw, err := l.detector.Classify(ctx, f)
	if err != nil {
		l.detectorErrors.Add(1)
		l.metrics.RecordDetectorError()
		l.logger.Warn("detector failed, frame treated as no event", "seq", f.Seq, "error", err)
		return
	}
	trig := detect.Normalize(raw, now)
	if trig == nil {
		return
	}
	l.triggers.Add(1)

	if fr, ok := l.queue.(fullReporter); ok && fr.Full() {
		l.dropped.Add(1)
		l.metrics.RecordDropped()
		l.logger.Warn("pipeline queue full, trigger not admitted", "kind", trig.Kind, "seq", f.Seq)
		return
	}

	admitted := l.throttle.Admit(trig, now)
	l.metrics.RecordTrigger(trig.Kind, admitted, now)
	if !admitted {
		l.suppressed.Add(1)
		l.logger.Debug("trigger suppressed by cooldown", "kind", trig.Kind, "seq", f.Seq)
		return
	}
	l.admitted.Add(1)

	job := evidence.Job{
		Trigger:   *trig,
		Frames:    l.buf.Snapshot(),
		FrameRate: l.frameRate,
		StartTime: now.Add(-l.window),
		EndTime:   now,
	}
	l.logger.Info("event admitted",
		"kind", trig.Kind, "confidence", trig.Confidence, "frames", len(job.Frames))
	if !l.queue.Enqueue(job) {
		l.dropped.Add(1)
		l.logger.Error("admitted event dropped by queue", "kind", trig.Kind, "seq", f.Seq)
	}
}
