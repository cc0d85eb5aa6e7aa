package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Scheduler delivers host-facing callbacks onto whatever goroutine the host
// requires. Implementations may block or post; the engine never assumes
// the callback has run when Schedule returns.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

// Schedule calls f(fn).
func (f SchedulerFunc) Schedule(fn func()) {
	f(fn)
}

// inline runs callbacks on the calling goroutine.
type inline struct{}

func (inline) Schedule(fn func()) { fn() }

// QueueScheduler runs callbacks in order on one background goroutine. When
// its queue is full new callbacks are dropped so the event loop never
// stalls behind a slow host.
type QueueScheduler struct {
	logger *slog.Logger
	queue  chan func()
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewQueueScheduler starts a scheduler holding at most depth callbacks.
func NewQueueScheduler(depth int, logger *slog.Logger) *QueueScheduler {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &QueueScheduler{
		logger: logger.With("component", "engine.scheduler"),
		queue:  make(chan func(), depth),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *QueueScheduler) run() {
	defer close(q.done)
	for fn := range q.queue {
		q.invoke(fn)
	}
}

func (q *QueueScheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("callback panicked", "panic", r)
		}
	}()
	fn()
}

// Schedule queues fn. It never blocks.
func (q *QueueScheduler) Schedule(fn func()) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.queue <- fn:
	default:
		q.dropped.Add(1)
		q.logger.Warn("callback queue full, dropping callback")
	}
}

// Dropped returns the number of callbacks dropped on overflow.
func (q *QueueScheduler) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting callbacks and waits for queued ones to run.
func (q *QueueScheduler) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.queue)
	q.mu.Unlock()
	<-q.done
}
