package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

// loop is one run of the event-loop goroutine.
type loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	done   chan struct{}

	// reconnected carries the result of a background reconnect.
	reconnected chan error
}

// loopState is touched only by the event-loop goroutine.
type loopState struct {
	events    <-chan conversation.ServerEvent
	streaming bool
	audio     audioio.Config
	sink      audioio.Sink
	capture   *capture

	textCB     func(string)
	transcript strings.Builder
	textSeen   bool
	spoken     bool

	reconnecting    bool
	reconnectCancel context.CancelFunc
	outageReported  bool

	draining   bool
	drainDone  chan struct{}
	drainTimer *time.Timer

	playbackDropped int64
}

// start returns the running loop, starting one if needed.
func (e *Engine) start() *loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop != nil {
		return e.loop
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		ctx:         ctx,
		cancel:      cancel,
		cmds:        make(chan func()),
		done:        make(chan struct{}),
		reconnected: make(chan error, 1),
	}
	e.loop = l
	go e.run(l)
	return l
}

// shutdown stops l and waits up to the join timeout. On expiry the
// connection is force-closed and false is returned.
func (e *Engine) shutdown(l *loop) bool {
	e.mu.Lock()
	if e.loop == l {
		e.loop = nil
	}
	e.mu.Unlock()

	l.cancel()
	timer := time.NewTimer(e.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return true
	case <-timer.C:
		e.logger.Error("event loop did not exit in time, forcing close",
			"timeout", e.cfg.JoinTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = e.conn.Close(ctx)
		return false
	}
}

// call runs fn on the loop and waits for its result. fn's context ends
// when ctx or the loop ends.
func (e *Engine) call(ctx context.Context, l *loop, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	cmd := func() {
		cctx, cancel := context.WithCancel(l.ctx)
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		defer cancel()
		res <- fn(cctx)
	}

	select {
	case l.cmds <- cmd:
	case <-l.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ErrLoopBusy
	}

	select {
	case err := <-res:
		return err
	case <-l.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ErrLoopBusy
	}
}

func (e *Engine) run(l *loop) {
	defer close(l.done)
	defer e.teardown()

	var keepalive <-chan time.Time
	if e.cfg.KeepaliveInterval > 0 {
		t := time.NewTicker(e.cfg.KeepaliveInterval)
		defer t.Stop()
		keepalive = t.C
	}

	e.logger.Debug("event loop started")
	for {
		var drainC <-chan time.Time
		if e.ls.drainTimer != nil {
			drainC = e.ls.drainTimer.C
		}

		select {
		case <-l.ctx.Done():
			e.logger.Debug("event loop stopping")
			return

		case fn := <-l.cmds:
			fn()

		case c := <-e.chunks:
			e.sendChunk(l, c)

		case ev, ok := <-e.ls.events:
			if !ok {
				e.ls.events = nil
				e.onClosed(l)
				continue
			}
			e.dispatch(l.ctx, ev)

		case err := <-l.reconnected:
			e.onReconnected(l, err)

		case <-keepalive:
			if e.conn.IsOpen() {
				if err := e.conn.Ping(l.ctx); err != nil {
					e.logger.Debug("keepalive ping failed", "error", err)
				}
			}

		case <-drainC:
			e.logger.Warn("drain timed out waiting for response", "timeout", e.cfg.DrainTimeout)
			e.finishDrain()
		}
	}
}

// teardown releases everything the loop owns.
func (e *Engine) teardown() {
	if e.ls.reconnectCancel != nil {
		e.ls.reconnectCancel()
		e.ls.reconnectCancel = nil
	}
	e.ls.reconnecting = false
	e.finishDrain()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = e.conn.Close(ctx)
	e.ls.events = nil

	if e.ls.sink != nil {
		_ = e.ls.sink.Close()
		e.ls.sink = nil
	}
	e.ls.capture = nil
	e.ls.streaming = false
	e.ls.textCB = nil
	e.resetTranscript()
	e.streaming.Store(false)
	e.logger.Debug("event loop stopped")
}

// connect opens the session. An open connection with the same session is
// kept; a different session replaces it on a fresh connection.
func (e *Engine) connect(ctx context.Context, s conversation.Session) error {
	if e.conn.IsOpen() {
		cur, _ := e.conn.Session()
		if cur.Equal(s) {
			e.logger.Debug("already connected")
			return nil
		}
		if err := e.replaceSession(ctx, cur, s); err != nil {
			return err
		}
	}

	e.installMachine(newMachine(e.cfg, s))
	if err := e.conn.Connect(ctx, s); err != nil {
		return err
	}
	e.ls.events = e.conn.Receive()
	e.ls.outageReported = false
	e.logger.Info("session ready", "provider", s.Provider, "voice", s.Voice)
	return nil
}

// replaceSession closes the current connection so s can be opened in its
// place.
func (e *Engine) replaceSession(ctx context.Context, cur, s conversation.Session) error {
	if e.ls.draining {
		return ErrDraining
	}
	if e.ls.reconnecting {
		return conversation.ErrReconnectInFlight
	}
	if e.ls.streaming && cur.OutputSampleRate != s.OutputSampleRate {
		return ErrRateChange
	}
	e.logger.Info("session changed, reconnecting",
		"provider", s.Provider, "voice", s.Voice, "model", s.Model)

	// The old link's events must not reach the new session.
	e.ls.events = nil
	e.ls.textCB = nil
	e.resetTranscript()
	return e.conn.Close(ctx)
}

func (e *Engine) startStreaming(ctx context.Context, audio audioio.Config) error {
	if e.ls.streaming {
		return nil
	}
	if e.ls.draining {
		return ErrDraining
	}
	if !e.conn.IsOpen() {
		if err := e.reconnectNow(ctx); err != nil {
			return err
		}
	}

	s, _ := e.conn.Session()
	src, sink, err := e.openDevices(audio)
	if err != nil {
		return err
	}
	if err := sink.Start(context.Background()); err != nil {
		_ = src.Close()
		_ = sink.Close()
		return err
	}
	if e.ls.sink != nil {
		_ = e.ls.sink.Close()
	}
	e.ls.sink = sink
	e.ls.audio = audio

	// Stale chunks from an earlier stream must not reach this session.
	for drained := false; !drained; {
		select {
		case <-e.chunks:
		default:
			drained = true
		}
	}

	c := newCapture(e, audio.InputSampleRate, s.OutputSampleRate)
	if err := src.Start(context.Background(), c.onBlock); err != nil {
		_ = src.Close()
		return err
	}

	e.mu.Lock()
	e.source = src
	e.mu.Unlock()

	e.ls.capture = c
	e.ls.streaming = true
	e.streaming.Store(true)
	e.logger.Info("streaming started",
		"capture_backend", src.Name(),
		"playback_backend", sink.Name(),
		"capture_rate", audio.InputSampleRate,
		"wire_rate", s.OutputSampleRate,
	)
	return nil
}

func (e *Engine) openDevices(audio audioio.Config) (audioio.Source, audioio.Sink, error) {
	if err := audio.Validate(); err != nil {
		return nil, nil, err
	}
	return e.cfg.Devices(audio, e.cfg.Logger)
}

// ensureSink opens playback for a text turn outside of streaming.
func (e *Engine) ensureSink() {
	if e.ls.sink != nil {
		return
	}
	audio := e.cfg.Audio
	src, sink, err := e.openDevices(audio)
	if err != nil {
		e.logger.Warn("playback unavailable", "error", err)
		return
	}
	_ = src.Close()
	if err := sink.Start(context.Background()); err != nil {
		_ = sink.Close()
		e.logger.Warn("playback start failed", "error", err)
		return
	}
	e.ls.sink = sink
	e.ls.audio = audio
}

func (e *Engine) sendText(ctx context.Context, text string, cb func(string)) error {
	if e.ls.draining {
		return ErrDraining
	}
	if !e.conn.IsOpen() {
		if err := e.reconnectNow(ctx); err != nil {
			return err
		}
	}
	e.ensureSink()

	m := e.machine.Load()
	want := m.TextTurn()
	if err := e.conn.SendText(ctx, text); err != nil {
		return err
	}
	e.ls.textCB = cb
	if want {
		return e.requestResponse(ctx)
	}
	return nil
}

// sendChunk appends one captured chunk. With no usable connection the chunk
// is dropped and a reconnect is scheduled.
func (e *Engine) sendChunk(l *loop, c pcm.Chunk) {
	// The turn machine is reset when the loop sees the reconnect result;
	// audio appended before that would lose its pending flag.
	if !e.conn.IsOpen() || e.ls.reconnecting {
		e.dropped.Add(1)
		e.metrics.ChunksDropped.Inc()
		if e.ls.streaming {
			e.scheduleReconnect(l)
		}
		return
	}

	e.machine.Load().LocalCapture()
	if err := e.conn.AppendAudio(l.ctx, c.Data); err != nil {
		e.logger.Debug("append failed", "seq", c.Seq, "error", err)
		e.dropped.Add(1)
		e.metrics.ChunksDropped.Inc()
		return
	}
	e.sent.Add(1)
	e.metrics.RecordSent(len(c.Data))
	e.latency.MarkChunkSent()
}

// commit sends a commit if audio is pending and reports whether one was sent.
func (e *Engine) commit(ctx context.Context) (bool, error) {
	pending := e.machine.Load().PendingAudio()
	if err := e.conn.Commit(ctx); err != nil {
		e.logger.Warn("commit failed", "error", err)
		return false, err
	}
	if pending {
		e.commits.Add(1)
		e.metrics.Commits.Inc()
	}
	return pending, nil
}

func (e *Engine) requestResponse(ctx context.Context) error {
	if e.machine.Load().ResponseRequested() {
		return nil
	}
	if err := e.conn.RequestResponse(ctx, e.cfg.Response); err != nil {
		e.logger.Warn("response request failed", "error", err)
		return err
	}
	e.responses.Add(1)
	e.metrics.ResponsesRequested.Inc()
	return nil
}

// beginDrain flushes buffered capture, sends the final commit and waits for
// an in-flight response. done is closed when the drain ends.
func (e *Engine) beginDrain(ctx context.Context, l *loop, done chan struct{}) {
	if e.ls.draining {
		// A drain is already running; chain onto it.
		prev := e.ls.drainDone
		go func() {
			<-prev
			close(done)
		}()
		return
	}

	e.ls.streaming = false

	if e.conn.IsOpen() {
		for flushed := false; !flushed; {
			select {
			case c := <-e.chunks:
				e.sendChunk(l, c)
			default:
				flushed = true
			}
		}
		if e.ls.capture != nil {
			if c, ok := e.ls.capture.framer.Flush(); ok && c.Duration() >= e.cfg.StopFlushMin {
				e.sendChunk(l, c)
			}
		}
	}

	m := e.machine.Load()
	commit, inFlight := m.BeginDrain()
	committed := false
	if commit && e.conn.IsOpen() {
		committed, _ = e.commit(ctx)
	}

	if !e.conn.IsOpen() || !(inFlight || committed) {
		e.logger.Debug("drain complete", "committed", committed)
		close(done)
		return
	}

	e.logger.Debug("draining", "committed", committed, "in_flight", inFlight)
	e.ls.draining = true
	e.ls.drainDone = done
	e.ls.drainTimer = time.NewTimer(e.cfg.DrainTimeout)
}

// finishDrain ends a running drain.
func (e *Engine) finishDrain() {
	if !e.ls.draining {
		return
	}
	e.ls.draining = false
	if e.ls.drainTimer != nil {
		e.ls.drainTimer.Stop()
		e.ls.drainTimer = nil
	}
	close(e.ls.drainDone)
	e.ls.drainDone = nil
}

// onClosed handles the transport closing under the loop.
func (e *Engine) onClosed(l *loop) {
	e.logger.Warn("connection closed", "streaming", e.ls.streaming, "draining", e.ls.draining)
	if e.ls.draining {
		e.finishDrain()
		return
	}
	if e.ls.streaming {
		e.scheduleReconnect(l)
	}
}

// scheduleReconnect starts one background reconnect unless one is running.
// Attempts refused by the minimum retry interval wait and try again; any
// other outcome is reported back to the loop.
func (e *Engine) scheduleReconnect(l *loop) {
	if e.ls.reconnecting {
		return
	}
	e.ls.reconnecting = true

	ctx, cancel := context.WithTimeout(l.ctx, e.cfg.ConnectTimeout)
	e.ls.reconnectCancel = cancel
	retry := time.NewTicker(retryInterval)

	go func() {
		defer cancel()
		defer retry.Stop()
		for {
			err := e.conn.Reconnect(ctx)
			if !errors.Is(err, conversation.ErrRetryTooSoon) {
				l.reconnected <- err
				return
			}
			select {
			case <-ctx.Done():
				l.reconnected <- ctx.Err()
				return
			case <-retry.C:
			}
		}
	}()
}

// retryInterval paces reconnect attempts refused as too soon.
const retryInterval = 250 * time.Millisecond

func (e *Engine) onReconnected(l *loop, err error) {
	e.ls.reconnecting = false
	if e.ls.reconnectCancel != nil {
		e.ls.reconnectCancel()
		e.ls.reconnectCancel = nil
	}

	switch {
	case err == nil:
		e.machine.Load().Reset()
		e.ls.events = e.conn.Receive()
		e.ls.outageReported = false
		e.metrics.RecordReconnect("ok")
		e.logger.Info("reconnected")
	case isTransient(err) || l.ctx.Err() != nil:
		e.logger.Debug("reconnect deferred", "error", err)
	default:
		e.metrics.RecordReconnect("failed")
		if !e.ls.outageReported {
			e.ls.outageReported = true
			e.report("reconnect", err)
		} else {
			e.logger.Debug("reconnect failed", "error", err)
		}
	}
}

// reconnectNow reconnects synchronously on the loop.
func (e *Engine) reconnectNow(ctx context.Context) error {
	if e.ls.reconnecting {
		return conversation.ErrReconnectInFlight
	}
	if err := e.conn.Reconnect(ctx); err != nil {
		return err
	}
	e.machine.Load().Reset()
	e.ls.events = e.conn.Receive()
	e.ls.outageReported = false
	return nil
}
