package monitor

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicestream/internal/log"
	"github.com/teslashibe/go-voicestream/pkg/engine"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

type fakeEngine struct {
	status engine.Status
}

func (f fakeEngine) Status() engine.Status { return f.status }

func newTestServer(opts ...Option) *Server {
	src := fakeEngine{status: engine.Status{SessionID: "s-1", Running: true, Connection: "connected", Turn: "idle"}}
	opts = append([]Option{WithLogger(log.Nop())}, opts...)
	return NewServer("127.0.0.1:0", src, opts...)
}

func get(t *testing.T, s *Server, path string) (int, string) {
	t.Helper()
	resp, err := s.App().Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer()

	code, body := get(t, s, "/api/status")
	assert.Equal(t, http.StatusOK, code)

	var st engine.Status
	require.NoError(t, sonic.UnmarshalString(body, &st))
	assert.Equal(t, "s-1", st.SessionID)
	assert.True(t, st.Running)
	assert.Equal(t, "connected", st.Connection)

	code, _ = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, code)
}

func TestStatusWithoutEngine(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, WithLogger(log.Nop()))
	code, _ := get(t, s, "/api/status")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(metrics.DefaultNamespace)
	m.ChunksCaptured.Add(3)
	s := newTestServer(WithMetrics(m))

	code, body := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "voicestream_chunks_captured_total 3")
}

func TestMetricsDisabled(t *testing.T) {
	s := newTestServer()
	code, _ := get(t, s, "/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLatencyEndpoint(t *testing.T) {
	l := metrics.NewLatencyTracker(nil)
	l.MarkSpeechEnd()
	l.MarkFirstAudio()
	l.MarkResponseDone()
	s := newTestServer(WithLatency(l))

	code, body := get(t, s, "/api/latency")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"turns":1`)

	code, _ = get(t, newTestServer(), "/api/latency")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventsEndpoint(t *testing.T) {
	s := newTestServer(WithHistory(3))
	cb := s.Callbacks()
	cb.OnStateChange(turn.Idle, turn.UserSpeaking)
	cb.OnUserTranscript("hello")
	cb.OnAssistantTranscript("hi there")
	cb.OnError("boom")

	events := s.Recent()
	require.Len(t, events, 3)
	assert.Equal(t, EventUser, events[0].Type)
	assert.Equal(t, EventError, events[2].Type)
	assert.False(t, events[0].Time.IsZero())

	code, body := get(t, s, "/api/events?limit=1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "boom")
	assert.NotContains(t, body, "hello")
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	code, _ := get(t, newTestServer(), "/ws/events")
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestEventFeed(t *testing.T) {
	s := newTestServer()
	s.Publish(Event{Type: EventState, From: "idle", To: "user_speaking"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws/events"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	read := func() Event {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, sonic.Unmarshal(data, &ev))
		return ev
	}

	backlog := read()
	assert.Equal(t, EventState, backlog.Type)
	assert.Equal(t, "user_speaking", backlog.To)

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	s.Publish(Event{Type: EventAssistant, Text: "live"})
	live := read()
	assert.Equal(t, EventAssistant, live.Type)
	assert.Equal(t, "live", live.Text)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	c := &Client{hub: h, send: make(chan Message, 1)}
	h.register <- c
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(Message{Data: []byte("1")})
	h.Broadcast(Message{Data: []byte("2")})

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	msg, ok := <-c.send
	assert.True(t, ok)
	assert.Equal(t, "1", string(msg.Data))
	_, ok = <-c.send
	assert.False(t, ok)
}

func TestHubRunClosesClients(t *testing.T) {
	h := NewHub(log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()

	c := &Client{hub: h, send: make(chan Message, 1)}
	h.register <- c
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	_, ok := <-c.send
	assert.False(t, ok)
}
