package evidence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingProcessor struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []string
}

func (p *blockingProcessor) Assemble(_ context.Context, job Job) Result {
	<-p.release
	p.mu.Lock()
	p.seen = append(p.seen, job.Trigger.Kind)
	p.mu.Unlock()
	return Result{Outcome: OutcomeConfirmed, Record: &Record{EventKind: job.Trigger.Kind}}
}

type collectSink struct {
	mu      sync.Mutex
	results []Result
}

func (s *collectSink) Deliver(_ context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func jobOf(kind string) Job {
	j := Job{}
	j.Trigger.Kind = kind
	return j
}

func TestWorker_DrainsOnClose(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	sink := &collectSink{}
	w := NewWorker(proc, sink, 4, nil, nil)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, w.Enqueue(jobOf(k)))
	}
	close(proc.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))
	require.NoError(t, <-done)

	assert.Equal(t, []string{"a", "b", "c"}, proc.seen)
	assert.Len(t, sink.results, 3)
	assert.False(t, w.Enqueue(jobOf("late")), "closed worker must reject jobs")
	require.NoError(t, w.Close(ctx), "Close is idempotent")
}

func TestWorker_FullQueueDrops(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	w := NewWorker(proc, &collectSink{}, 2, nil, nil)

	// Not running: the queue fills and further jobs are dropped.
	assert.True(t, w.Enqueue(jobOf("a")))
	assert.False(t, w.Full())
	assert.True(t, w.Enqueue(jobOf("b")))
	assert.True(t, w.Full())
	assert.False(t, w.Enqueue(jobOf("c")))
	assert.Equal(t, 2, w.Pending())

	close(proc.release)
	go w.Run(context.Background())
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, []string{"a", "b"}, proc.seen)
}

func TestWorker_CloseTimeout(t *testing.T) {
	proc := &blockingProcessor{release: make(chan struct{})}
	w := NewWorker(proc, nil, 1, nil, nil)
	go w.Run(context.Background())
	require.True(t, w.Enqueue(jobOf("stuck")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Close(ctx), context.DeadlineExceeded)
	close(proc.release)
}

func TestMultiSink(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	boom := errors.New("boom")
	m := MultiSink{a, SinkFunc(func(context.Context, Result) error { return boom }), b}

	err := m.Deliver(context.Background(), Result{Outcome: OutcomeAborted, Err: errors.New("x")})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.results, 1)
	assert.Len(t, b.results, 1, "later sinks still receive the result")
}

func TestLogSink(t *testing.T) {
	s := LogSink{}
	ctx := context.Background()
	assert.NoError(t, s.Deliver(ctx, Result{Outcome: OutcomeConfirmed, Record: &Record{ID: "1"}}))
	assert.NoError(t, s.Deliver(ctx, Result{Outcome: OutcomeUnconfirmed, Record: &Record{ID: "2"}, Err: errors.New("down")}))
	assert.NoError(t, s.Deliver(ctx, Result{Outcome: OutcomeAborted, Err: errors.New("io")}))
}
