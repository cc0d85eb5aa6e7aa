package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// link is one physical connection and its reader.
type link struct {
	id      string
	conn    *websocket.Conn
	dialect Dialect
	events  chan ServerEvent
	done    chan struct{}
	once    sync.Once

	// writeMu serializes data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

var closedEvents = func() chan ServerEvent {
	c := make(chan ServerEvent)
	close(c)
	return c
}()

// Manager owns the realtime connection: connect with session handshake,
// guarded sends, ordered receive, rate-limited reconnect and close.
type Manager struct {
	cfg     *Config
	logger  *slog.Logger
	tracker TurnTracker
	retry   *rate.Limiter

	mu          sync.RWMutex
	cur         *link
	state       ConnectionState
	session     Session
	hasSession  bool
	epoch       uint64
	lastEventID string
	connectedAt time.Time

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	audioBytesSent   atomic.Int64
	reconnects       atomic.Int64
}

// NewManager creates a disconnected manager.
func NewManager(opts ...Option) *Manager {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	cfg.normalize()

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = &flagTracker{}
	}
	limit := rate.Inf
	if cfg.MinRetryInterval > 0 {
		limit = rate.Every(cfg.MinRetryInterval)
	}

	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "conversation"),
		tracker: tracker,
		retry:   rate.NewLimiter(limit, 1),
		state:   StateDisconnected,
	}
}

// Connect dials the provider, sends session.update and waits for the
// acknowledgement, all within the configured timeout.
func (m *Manager) Connect(ctx context.Context, s Session) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrReconnectInFlight
	}
	m.state = StateConnecting
	epoch := m.epoch
	m.mu.Unlock()

	return m.open(ctx, s, epoch)
}

// Reconnect reopens the connection with the last acknowledged session. At
// most one attempt is admitted per MinRetryInterval; others fail fast with
// ErrRetryTooSoon.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case !m.hasSession:
		m.mu.Unlock()
		return ErrNoSession
	case m.state == StateConnected:
		m.mu.Unlock()
		return nil
	case m.state == StateConnecting || m.state == StateReconnecting:
		m.mu.Unlock()
		return ErrReconnectInFlight
	}
	if !m.retry.Allow() {
		m.mu.Unlock()
		return ErrRetryTooSoon
	}
	m.state = StateReconnecting
	s := m.session
	old := m.cur
	m.cur = nil
	epoch := m.epoch
	m.mu.Unlock()

	if old != nil {
		old.close()
	}
	n := m.reconnects.Add(1)
	m.logger.Info("reconnecting to realtime API", "attempt", n)

	return m.open(ctx, s, epoch)
}

func (m *Manager) open(ctx context.Context, s Session, epoch uint64) error {
	l, err := m.dial(ctx, s)

	m.mu.Lock()
	if err == nil && m.epoch != epoch {
		l.close()
		err = newConnectError(ConnectTransport, "closed while connecting", ErrConnectionClosed)
	}
	if err != nil {
		if m.epoch == epoch {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		m.logger.Warn("connect failed", "error", err)
		return err
	}
	m.cur = l
	m.state = StateConnected
	m.session = s
	m.hasSession = true
	m.connectedAt = time.Now()
	m.mu.Unlock()

	if ft, ok := m.tracker.(*flagTracker); ok {
		ft.reset()
	}
	go m.readLoop(l)

	m.logger.Info("connected to realtime API",
		"provider", l.dialect.Provider(),
		"connection_id", l.id,
	)
	return nil
}

func (m *Manager) dial(ctx context.Context, s Session) (*link, error) {
	dialect, err := DialectFor(s.Provider)
	if err != nil {
		return nil, newConnectError(ConnectTransport, "unsupported provider", err)
	}
	key := s.Credential()
	if key == "" {
		return nil, newConnectError(ConnectAuthMissing,
			fmt.Sprintf("no API key (set %s)", s.Provider.EnvKey()), nil)
	}
	endpoint, err := dialect.URL(s)
	if err != nil {
		return nil, newConnectError(ConnectTransport, "invalid endpoint", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.logger.Info("connecting to realtime API",
		"provider", dialect.Provider(),
		"model", s.Model,
		"voice", s.Voice,
	)

	conn, resp, err := m.cfg.Dialer.DialContext(ctx, endpoint, dialect.Header(s, key))
	if err != nil {
		if resp != nil {
			ce := newConnectError(ConnectTransport,
				fmt.Sprintf("dial failed with status %d", resp.StatusCode), err)
			ce.StatusCode = resp.StatusCode
			return nil, ce
		}
		return nil, handshakeError(ctx, "dial failed", err)
	}

	l := &link{
		id:      uuid.NewString(),
		conn:    conn,
		dialect: dialect,
		events:  make(chan ServerEvent, m.cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	if err := m.handshake(ctx, l, s); err != nil {
		l.close()
		return nil, err
	}
	return l, nil
}

// handshake sends session.update and reads until the dialect's
// acknowledgement. The context deadline covers both directions.
func (m *Manager) handshake(ctx context.Context, l *link, s Session) error {
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	deadline, _ := ctx.Deadline()
	update := sessionUpdateEvent{
		clientEvent: newClientEvent(typeSessionUpdate),
		Session:     l.dialect.SessionUpdate(s),
	}
	data, err := encode(update)
	if err != nil {
		return newConnectError(ConnectTransport, "encode session", err)
	}

	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(deadline)
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	l.writeMu.Unlock()
	if err != nil {
		return handshakeError(ctx, "send session", err)
	}
	m.messagesSent.Add(1)

	_ = l.conn.SetReadDeadline(deadline)
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			return handshakeError(ctx, "await session ack", err)
		}
		m.messagesReceived.Add(1)

		ev, err := DecodeServerEvent(msg)
		if err != nil {
			m.logger.Warn("failed to parse message", "error", err)
			continue
		}
		m.noteEvent(ev)

		switch {
		case l.dialect.Acknowledges(ev.Kind):
			if !stop() {
				return newConnectError(ConnectTimeout, "await session ack", ctx.Err())
			}
			_ = l.conn.SetReadDeadline(time.Time{})
			_ = l.conn.SetWriteDeadline(time.Time{})
			m.logger.Debug("session acknowledged", "event", ev.Type)
			return nil
		case ev.Kind == EventError:
			return newConnectError(ConnectTransport, "session rejected", ev.Err)
		default:
			m.logger.Debug("ignoring pre-ack event", "type", ev.Type)
		}
	}
}

func handshakeError(ctx context.Context, op string, err error) error {
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return newConnectError(ConnectTimeout, op, err)
	}
	return newConnectError(ConnectTransport, op, err)
}

func (m *Manager) readLoop(l *link) {
	defer close(l.events)
	defer m.detach(l)

	extend := func() {}
	if m.cfg.ReadTimeout > 0 {
		extend = func() { _ = l.conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)) }
		l.conn.SetPongHandler(func(string) error {
			extend()
			return nil
		})
	}
	extend()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				m.logger.Debug("reader stopped", "connection_id", l.id)
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.logger.Info("connection closed by server", "connection_id", l.id)
				} else {
					m.logger.Warn("connection lost", "connection_id", l.id, "error", err)
				}
			}
			return
		}
		extend()
		m.messagesReceived.Add(1)

		ev, err := DecodeServerEvent(data)
		if err != nil {
			m.logger.Warn("failed to parse message", "error", err)
			continue
		}
		m.noteEvent(ev)
		m.trackInternal(ev)

		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
}

// detach marks an unexpectedly closed link as gone.
func (m *Manager) detach(l *link) {
	m.mu.Lock()
	if m.cur == l {
		m.cur = nil
		if m.state == StateConnected {
			m.state = StateDisconnected
		}
	}
	m.mu.Unlock()
	l.close()
}

func (m *Manager) noteEvent(ev ServerEvent) {
	if ev.EventID == "" {
		return
	}
	m.mu.Lock()
	m.lastEventID = ev.EventID
	m.mu.Unlock()
}

// trackInternal keeps the private tracker in step when no state machine
// drives the turn flags.
func (m *Manager) trackInternal(ev ServerEvent) {
	ft, ok := m.tracker.(*flagTracker)
	if !ok {
		return
	}
	switch {
	case ev.Kind == EventResponseDone:
		ft.ResponseDone()
	case ev.Kind == EventError && ev.Err.Recoverable():
		ft.ResponseDone()
	}
}

func (m *Manager) openLink() *link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected {
		return nil
	}
	return m.cur
}

func (m *Manager) write(ctx context.Context, l *link, op string, v any) error {
	if err := ctx.Err(); err != nil {
		return &SendError{Op: op, Cause: err}
	}
	data, err := encode(v)
	if err != nil {
		return &SendError{Op: op, Cause: err}
	}

	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(deadline)
	err = l.conn.WriteMessage(websocket.TextMessage, data)
	l.writeMu.Unlock()

	if err != nil {
		m.logger.Warn("send failed", "op", op, "error", err)
		l.close()
		return &SendError{Op: op, Cause: err}
	}
	m.messagesSent.Add(1)
	return nil
}

// AppendAudio sends PCM16 to the input buffer. With no open connection it
// returns nil without sending; callers use IsOpen to decide on reconnects.
func (m *Manager) AppendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	l := m.openLink()
	if l == nil {
		return nil
	}
	if err := m.write(ctx, l, "append", newAppendEvent(pcm)); err != nil {
		return err
	}
	m.audioBytesSent.Add(int64(len(pcm)))
	m.tracker.MarkAppended()
	return nil
}

// Commit commits the input buffer. Without pending audio it sends nothing.
func (m *Manager) Commit(ctx context.Context) error {
	if !m.tracker.PendingAudio() {
		return nil
	}
	l := m.openLink()
	if l == nil {
		return &SendError{Op: "commit", Cause: ErrNotConnected}
	}
	if err := m.write(ctx, l, "commit", newClientEvent(typeAudioCommit)); err != nil {
		return err
	}
	m.tracker.ClearPending()
	return nil
}

// RequestResponse sends response.create unless the turn already has one.
func (m *Manager) RequestResponse(ctx context.Context, opts ResponseOptions) error {
	l := m.openLink()
	if l == nil {
		return &SendError{Op: "response", Cause: ErrNotConnected}
	}
	if !m.tracker.LatchResponse() {
		m.logger.Debug("response already requested for this turn")
		return nil
	}
	m.mu.RLock()
	s := m.session
	m.mu.RUnlock()

	return m.write(ctx, l, "response", responseCreateEvent{
		clientEvent: newClientEvent(typeResponseCreate),
		Response:    l.dialect.ResponseCreate(s, opts),
	})
}

// SendText adds a user text message to the conversation.
func (m *Manager) SendText(ctx context.Context, text string) error {
	l := m.openLink()
	if l == nil {
		return &SendError{Op: "text", Cause: ErrNotConnected}
	}
	return m.write(ctx, l, "text", newTextItemEvent(text))
}

// Ping sends a WebSocket ping. Pongs extend the read deadline.
func (m *Manager) Ping(ctx context.Context) error {
	l := m.openLink()
	if l == nil {
		return &SendError{Op: "ping", Cause: ErrNotConnected}
	}
	deadline := time.Now().Add(m.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		l.close()
		return &SendError{Op: "ping", Cause: err}
	}
	return nil
}

// Receive returns the event channel of the current connection. The channel
// is closed when that connection ends. With no connection it returns a
// closed channel.
func (m *Manager) Receive() <-chan ServerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return closedEvents
	}
	return m.cur.events
}

// Close sends a close frame and tears the connection down. Any connect in
// progress is abandoned. Safe to call when never connected.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.epoch++
	m.hasSession = false
	l := m.cur
	m.cur = nil
	if l == nil && m.state == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	m.mu.Unlock()

	if l != nil {
		deadline := time.Now().Add(m.cfg.CloseTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		l.close()
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()

	m.logger.Info("disconnected from realtime API")
	return nil
}

// State returns the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOpen reports whether an acknowledged connection is up.
func (m *Manager) IsOpen() bool {
	return m.State() == StateConnected
}

// Session returns the last acknowledged session.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session, m.hasSession
}

// LastEventID returns the most recent server event id.
func (m *Manager) LastEventID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEventID
}

// Stats returns connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		State:       m.state.String(),
		ConnectedAt: m.connectedAt,
		LastEventID: m.lastEventID,
	}
	if m.cur != nil {
		st.ConnectionID = m.cur.id
	}
	m.mu.RUnlock()

	st.MessagesSent = m.messagesSent.Load()
	st.MessagesReceived = m.messagesReceived.Load()
	st.AudioBytesSent = m.audioBytesSent.Load()
	st.Reconnects = m.reconnects.Load()
	return st
}
