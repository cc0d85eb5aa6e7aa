// Package engine runs a realtime duplex voice stream: microphone audio is
// resampled, framed and appended to the remote session while assistant
// audio is played back and transcripts are delivered to the host.
//
// All connection sends, turn state changes and playback writes happen on a
// single event-loop goroutine. The capture callback only resamples, frames
// and hands chunks to the loop through a bounded channel; when the channel
// is full the chunk is dropped rather than blocking the audio driver.
//
// Public operations never return errors across the boundary. Failures are
// logged, counted and delivered to Callbacks.OnError through the Scheduler,
// and the operation reports false.
//
// Example usage:
//
//	e := engine.New(engine.WithLogger(logger))
//	defer e.Disconnect()
//
//	if !e.Connect(conversation.DefaultSession(conversation.ProviderOpenAI)) {
//	    return errors.New("connect failed")
//	}
//	e.StartStreaming(engine.Callbacks{
//	    OnAssistantTranscript: func(text string) { fmt.Println(text) },
//	}, audioio.DefaultConfig())
//	...
//	e.StopStreaming()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/pcm"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

// closeTimeout bounds a forced connection close.
const closeTimeout = time.Second

// Engine is the stream orchestrator.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	id      string
	sched   Scheduler
	metrics *metrics.Metrics
	latency *metrics.LatencyTracker
	conn    *conversation.Manager

	machine atomic.Pointer[turn.Machine]
	chunks  chan pcm.Chunk

	mu     sync.Mutex
	loop   *loop
	cb     Callbacks
	source audioio.Source

	streaming atomic.Bool
	captured  atomic.Int64
	dropped   atomic.Int64
	sent      atomic.Int64
	commits   atomic.Int64
	responses atomic.Int64

	// Owned by the event loop.
	ls loopState
}

// New creates an idle engine. Nothing runs until Connect.
func New(opts ...Option) *Engine {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.normalize()

	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "engine"),
		id:      uuid.NewString(),
		sched:   cfg.Scheduler,
		metrics: cfg.Metrics,
		chunks:  make(chan pcm.Chunk, cfg.HandoffDepth),
		cb:      cfg.Callbacks,
	}
	if e.metrics == nil {
		e.metrics = metrics.New(metrics.DefaultNamespace)
	}
	e.latency = cfg.Latency
	if e.latency == nil {
		e.latency = metrics.NewLatencyTracker(e.metrics)
	}

	connOpts := append([]conversation.Option{
		conversation.WithLogger(cfg.Logger),
		conversation.WithTimeout(cfg.ConnectTimeout),
		conversation.WithTurnTracker(machineTracker{e}),
	}, cfg.ConnOptions...)
	e.conn = conversation.NewManager(connOpts...)

	e.installMachine(turn.New(turn.Config{AutoResponse: cfg.AutoResponse}))
	return e
}

// Metrics returns the engine's metrics.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Latency returns the per-turn latency tracker.
func (e *Engine) Latency() *metrics.LatencyTracker {
	return e.latency
}

// Connect starts the event loop if needed and opens the session. It blocks
// for at most the connect timeout.
func (e *Engine) Connect(s conversation.Session) bool {
	l := e.start()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()

	err := e.call(ctx, l, func(ctx context.Context) error {
		return e.connect(ctx, s)
	})
	if err != nil {
		e.report("connect", err)
		return false
	}
	return true
}

// StartStreaming opens the audio devices and starts capture and playback on
// the connected session. It is a no-op while already streaming.
func (e *Engine) StartStreaming(cb Callbacks, audio audioio.Config) bool {
	e.mu.Lock()
	e.cb = cb.merge(e.cb)
	e.mu.Unlock()

	l := e.running()
	if l == nil {
		e.report("start", ErrNotRunning)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()

	err := e.call(ctx, l, func(ctx context.Context) error {
		return e.startStreaming(ctx, audio)
	})
	if err != nil {
		e.report("start", err)
		return false
	}
	return true
}

// StopStreaming stops capture immediately, sends any buffered audio and a
// final commit, waits for an in-flight response up to the drain timeout,
// then closes the connection and joins the event loop.
func (e *Engine) StopStreaming() bool {
	l := e.running()
	if l == nil {
		e.stopCapture()
		return true
	}

	start := time.Now()
	e.stopCapture()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout+closeTimeout)
	defer cancel()

	drained := make(chan struct{})
	err := e.call(ctx, l, func(ctx context.Context) error {
		e.beginDrain(ctx, l, drained)
		return nil
	})
	if err == nil {
		select {
		case <-drained:
		case <-ctx.Done():
			e.logger.Warn("drain did not finish in time")
		}
	} else {
		e.logger.Warn("could not start drain", "error", err)
	}

	ok := e.shutdown(l)
	e.logger.Info("streaming stopped", "elapsed", time.Since(start).Round(time.Millisecond), "clean", ok)
	return ok
}

// SendText sends a text turn on the open session. cb, if set, receives the
// assistant's text for this turn.
func (e *Engine) SendText(text string, cb func(text string)) bool {
	if strings.TrimSpace(text) == "" {
		e.report("text", ErrEmptyText)
		return false
	}
	l := e.running()
	if l == nil {
		e.report("text", ErrNotRunning)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()

	err := e.call(ctx, l, func(ctx context.Context) error {
		return e.sendText(ctx, text, cb)
	})
	if err != nil {
		e.report("text", err)
		return false
	}
	return true
}

// Disconnect tears everything down without draining. Safe to call when
// never connected and safe to call repeatedly.
func (e *Engine) Disconnect() {
	e.stopCapture()
	if l := e.running(); l != nil {
		e.shutdown(l)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = e.conn.Close(ctx)
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	st := e.conn.Stats()
	last := e.latency.Average()

	s := Status{
		SessionID:      e.id,
		Running:        e.running() != nil,
		Streaming:      e.streaming.Load(),
		Connection:     st.State,
		Turn:           e.machine.Load().Snapshot().String(),
		ConnectedAt:    st.ConnectedAt,
		LastEventID:    st.LastEventID,
		ChunksCaptured: e.captured.Load(),
		ChunksDropped:  e.dropped.Load(),
		ChunksSent:     e.sent.Load(),
		Commits:        e.commits.Load(),
		Responses:      e.responses.Load(),
		Reconnects:     st.Reconnects,
	}
	if last.TotalLatency > 0 {
		s.LastLatency = last.FormatLatency()
	}
	return s
}

func (e *Engine) running() *loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop
}

func (e *Engine) callbacks() Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cb
}

// stopCapture stops the capture device synchronously. No capture callback
// runs after it returns.
func (e *Engine) stopCapture() {
	e.mu.Lock()
	src := e.source
	e.source = nil
	e.mu.Unlock()

	if src == nil {
		return
	}
	if err := src.Stop(); err != nil {
		e.logger.Warn("capture stop failed", "error", err)
	}
	_ = src.Close()
	e.streaming.Store(false)
}

func (e *Engine) installMachine(m *turn.Machine) {
	m.OnTransition(func(from, to turn.State) {
		e.metrics.RecordTransition(from.String(), to.String(), int(to))
		e.logger.Debug("turn state", "from", from, "to", to)
		if fn := e.callbacks().OnStateChange; fn != nil {
			e.sched.Schedule(func() { fn(from, to) })
		}
	})
	e.machine.Store(m)
}

// report logs err and delivers it to the host.
func (e *Engine) report(source string, err error) {
	e.logger.Warn("operation failed", "op", source, "error", err)
	e.metrics.Errors.WithLabelValues(source).Inc()
	if fn := e.callbacks().OnError; fn != nil {
		msg := err.Error()
		e.sched.Schedule(func() { fn(msg) })
	}
}

func (e *Engine) emit(fn func(string), text string) {
	if fn == nil || text == "" {
		return
	}
	e.sched.Schedule(func() { fn(text) })
}

// machineTracker exposes the current turn machine's flags to the
// connection manager. Its methods are only called from the event loop.
type machineTracker struct {
	e *Engine
}

func (t machineTracker) PendingAudio() bool { return t.e.machine.Load().PendingAudio() }
func (t machineTracker) MarkAppended()      { t.e.machine.Load().MarkAppended() }
func (t machineTracker) ClearPending()      { t.e.machine.Load().ClearPending() }
func (t machineTracker) LatchResponse() bool {
	return t.e.machine.Load().LatchResponse()
}

var _ conversation.TurnTracker = machineTracker{}

// isTransient reports whether err only means "not yet": the caller may try
// again later without telling the host.
func isTransient(err error) bool {
	return errors.Is(err, conversation.ErrRetryTooSoon) ||
		errors.Is(err, conversation.ErrReconnectInFlight)
}
