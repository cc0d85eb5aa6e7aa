// Package conversationtest provides an in-process realtime API server for
// tests. It records every client event, acknowledges session updates, and
// lets tests push server events, drop connections, and reject handshakes.
package conversationtest

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// ClientEvent is an event received from the client under test.
type ClientEvent struct {
	Conn     int
	Type     string
	EventID  string
	Audio    []byte
	Session  map[string]any
	Response map[string]any
	Item     map[string]any
	Raw      []byte
}

type wireClientEvent struct {
	Type     string         `json:"type"`
	EventID  string         `json:"event_id"`
	Audio    string         `json:"audio"`
	Session  map[string]any `json:"session"`
	Response map[string]any `json:"response"`
	Item     map[string]any `json:"item"`
}

// Reply describes an automatic reply to response.create.
type Reply struct {
	Audio      []byte
	Transcript string
	Text       string
}

type serverConn struct {
	id   int
	ws   *websocket.Conn
	wmu  sync.Mutex
	gone chan struct{}
}

func (c *serverConn) send(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake realtime endpoint.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	ackType      string
	ackDelay     time.Duration
	noAck        bool
	rejectStatus int
	reply        *Reply

	mu      sync.Mutex
	conns   []*serverConn
	events  []ClientEvent
	headers []http.Header
	queries []string
	seq     int
	notify  chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAckType sets the event sent in reply to session.update.
func WithAckType(typ string) Option {
	return func(s *Server) { s.ackType = typ }
}

// WithAckDelay delays the session acknowledgement.
func WithAckDelay(d time.Duration) Option {
	return func(s *Server) { s.ackDelay = d }
}

// WithoutAck never acknowledges session updates.
func WithoutAck() Option {
	return func(s *Server) { s.noAck = true }
}

// WithRejectStatus refuses every upgrade with the given HTTP status.
func WithRejectStatus(code int) Option {
	return func(s *Server) { s.rejectStatus = code }
}

// WithAutoReply answers each response.create with a full response.
func WithAutoReply(r Reply) Option {
	return func(s *Server) { s.reply = &r }
}

// NewServer starts a server. Call Close when done.
func NewServer(opts ...Option) *Server {
	s := &Server{
		ackType: "session.updated",
		notify:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.queries = append(s.queries, r.URL.RawQuery)
	reject := s.rejectStatus
	s.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	c := &serverConn{id: len(s.conns), ws: ws, gone: make(chan struct{})}
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	go s.serve(c)
}

func (s *Server) serve(c *serverConn) {
	defer close(c.gone)
	defer c.ws.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var w wireClientEvent
		if err := sonic.Unmarshal(data, &w); err != nil {
			continue
		}
		ev := ClientEvent{
			Conn:     c.id,
			Type:     w.Type,
			EventID:  w.EventID,
			Session:  w.Session,
			Response: w.Response,
			Item:     w.Item,
			Raw:      data,
		}
		if w.Audio != "" {
			ev.Audio, _ = base64.StdEncoding.DecodeString(w.Audio)
		}
		s.record(ev)

		switch w.Type {
		case "session.update":
			if !s.noAck {
				go s.ack(c)
			}
		case "response.create":
			if s.reply != nil {
				s.replyTo(c, *s.reply)
			}
		}
	}
}

func (s *Server) ack(c *serverConn) {
	if s.ackDelay > 0 {
		select {
		case <-time.After(s.ackDelay):
		case <-c.gone:
			return
		}
	}
	_ = s.sendTo(c, Msg(s.ackType))
}

func (s *Server) replyTo(c *serverConn, r Reply) {
	_ = s.sendTo(c, Msg("response.created"))
	if len(r.Audio) > 0 {
		_ = s.sendTo(c, AudioDelta(r.Audio))
	}
	if r.Transcript != "" {
		_ = s.sendTo(c, TranscriptDelta(r.Transcript))
		_ = s.sendTo(c, TranscriptDone(r.Transcript))
	}
	if r.Text != "" {
		_ = s.sendTo(c, TextDelta(r.Text))
	}
	_ = s.sendTo(c, ResponseDone(r.Transcript))
}

func (s *Server) record(ev ClientEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) sendTo(c *serverConn, msg map[string]any) error {
	s.mu.Lock()
	s.seq++
	if _, ok := msg["event_id"]; !ok {
		msg["event_id"] = "evt_srv_" + strconv.Itoa(s.seq)
	}
	s.mu.Unlock()

	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (s *Server) latest() *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// Send pushes an event to the most recent connection.
func (s *Server) Send(msg map[string]any) error {
	c := s.latest()
	if c == nil {
		return websocket.ErrCloseSent
	}
	return s.sendTo(c, msg)
}

// SendRaw pushes a raw text frame to the most recent connection.
func (s *Server) SendRaw(data string) error {
	c := s.latest()
	if c == nil {
		return websocket.ErrCloseSent
	}
	return c.send([]byte(data))
}

// DropAll closes every connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.NetConn().Close()
	}
}

// Connections returns how many upgrades succeeded.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Attempts returns how many upgrade requests arrived, including rejected ones.
func (s *Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.headers)
}

// Header returns the request headers of the n-th attempt.
func (s *Server) Header(n int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.headers) {
		return nil
	}
	return s.headers[n]
}

// Query returns the raw query of the n-th attempt.
func (s *Server) Query(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.queries) {
		return ""
	}
	return s.queries[n]
}

// Events returns a copy of all recorded client events.
func (s *Server) Events() []ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ClientEvent(nil), s.events...)
}

// EventsOf returns the recorded events of one type.
func (s *Server) EventsOf(typ string) []ClientEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ClientEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events of one type.
func (s *Server) Count(typ string) int {
	return len(s.EventsOf(typ))
}

// WaitFor blocks until at least n events of typ were recorded.
func (s *Server) WaitFor(typ string, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ch := s.notify
		count := 0
		for _, ev := range s.events {
			if ev.Type == typ {
				count++
			}
		}
		s.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return false
		}
	}
}

// Msg builds a bare server event.
func Msg(typ string) map[string]any {
	return map[string]any{"type": typ}
}

// AudioDelta builds a response.audio.delta event.
func AudioDelta(pcm []byte) map[string]any {
	m := Msg("response.audio.delta")
	m["delta"] = base64.StdEncoding.EncodeToString(pcm)
	return m
}

// TranscriptDelta builds an assistant transcript delta.
func TranscriptDelta(text string) map[string]any {
	m := Msg("response.audio_transcript.delta")
	m["delta"] = text
	return m
}

// TranscriptDone builds an assistant transcript completion.
func TranscriptDone(text string) map[string]any {
	m := Msg("response.audio_transcript.done")
	m["transcript"] = text
	return m
}

// TextDelta builds a response.text.delta event.
func TextDelta(text string) map[string]any {
	m := Msg("response.text.delta")
	m["delta"] = text
	return m
}

// UserTranscript builds a completed input transcription.
func UserTranscript(text string) map[string]any {
	m := Msg("conversation.item.input_audio_transcription.completed")
	m["transcript"] = text
	return m
}

// ResponseDone builds a response.done carrying the given transcripts.
func ResponseDone(transcripts ...string) map[string]any {
	var content []map[string]any
	for _, t := range transcripts {
		if t != "" {
			content = append(content, map[string]any{"type": "audio", "transcript": t})
		}
	}
	m := Msg("response.done")
	m["response"] = map[string]any{
		"id":     "resp_1",
		"status": "completed",
		"output": []map[string]any{{"type": "message", "role": "assistant", "content": content}},
	}
	return m
}

// Error builds an error event.
func Error(code, message string) map[string]any {
	m := Msg("error")
	m["error"] = map[string]any{"type": "invalid_request_error", "code": code, "message": message}
	return m
}
