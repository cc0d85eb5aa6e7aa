package engine_test

import (
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voicestream/internal/log"
	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/conversation/conversationtest"
	"github.com/teslashibe/go-voicestream/pkg/engine"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/pcm"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond

	appendType   = "input_audio_buffer.append"
	commitType   = "input_audio_buffer.commit"
	responseType = "response.create"
)

// devices hands out mock devices and remembers the latest pair.
type devices struct {
	mu       sync.Mutex
	instant  bool
	source   *audioio.MockSource
	sink     *audioio.MockSink
	openings int
}

func (d *devices) open(cfg audioio.Config, logger *slog.Logger) (audioio.Source, audioio.Sink, error) {
	src := audioio.NewMockSource(cfg, logger, audioio.WithManualFeed())
	var opts []audioio.MockSinkOption
	if d.instant {
		opts = append(opts, audioio.WithInstantPlayback())
	}
	sink := audioio.NewMockSink(cfg, logger, opts...)

	d.mu.Lock()
	d.source, d.sink = src, sink
	d.openings++
	d.mu.Unlock()
	return src, sink, nil
}

func (d *devices) Source() *audioio.MockSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

func (d *devices) Sink() *audioio.MockSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// feed pushes n blocks of 20ms silence at 48kHz.
func (d *devices) feed(n int) {
	src := d.Source()
	block := make([]float32, 960)
	for range n {
		src.Feed(block)
	}
}

// recorder collects callbacks. Callbacks run on the event loop.
type recorder struct {
	mu        sync.Mutex
	text      []string
	user      []string
	assistant []string
	errors    []string
	states    []turn.State
}

func (r *recorder) callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnText:                func(s string) { r.add(&r.text, s) },
		OnUserTranscript:      func(s string) { r.add(&r.user, s) },
		OnAssistantTranscript: func(s string) { r.add(&r.assistant, s) },
		OnError:               func(s string) { r.add(&r.errors, s) },
		OnStateChange: func(_, to turn.State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) add(dst *[]string, s string) {
	r.mu.Lock()
	*dst = append(*dst, s)
	r.mu.Unlock()
}

func (r *recorder) get(src *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), *src...)
}

func (r *recorder) sawState(s turn.State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.states {
		if st == s {
			return true
		}
	}
	return false
}

type harness struct {
	srv *conversationtest.Server
	eng *engine.Engine
	dev *devices
	rec *recorder
}

func newHarness(t *testing.T, srvOpts []conversationtest.Option, opts ...engine.Option) *harness {
	t.Helper()
	h := &harness{
		srv: conversationtest.NewServer(srvOpts...),
		dev: &devices{instant: true},
		rec: &recorder{},
	}
	t.Cleanup(h.srv.Close)

	opts = append([]engine.Option{
		engine.WithLogger(log.Nop()),
		engine.WithConnectTimeout(2 * time.Second),
		engine.WithDrainTimeout(300 * time.Millisecond),
		engine.WithJoinTimeout(time.Second),
		engine.WithKeepalive(0),
		engine.WithDevices(h.dev.open),
		engine.WithCallbacks(h.rec.callbacks()),
		engine.WithConnOptions(conversation.WithMinRetryInterval(10 * time.Millisecond)),
	}, opts...)
	h.eng = engine.New(opts...)
	t.Cleanup(h.eng.Disconnect)
	return h
}

func (h *harness) session(opts ...conversation.SessionOption) conversation.Session {
	return conversation.DefaultSession(conversation.ProviderOpenAI).With(
		conversation.WithAPIKey("test-key"),
		conversation.WithBaseURL(h.srv.URL()),
	).With(opts...)
}

// stream connects and starts streaming with mock devices.
func (h *harness) stream(t *testing.T, s conversation.Session) {
	t.Helper()
	require.True(t, h.eng.Connect(s), "connect failed: %v", h.rec.get(&h.rec.errors))
	require.True(t, h.eng.StartStreaming(engine.Callbacks{}, audioio.DefaultConfig()))
}

// speak feeds audio until the server has seen at least one append.
func (h *harness) speak(t *testing.T) {
	t.Helper()
	have := h.srv.Count(appendType)
	require.Eventually(t, func() bool {
		h.dev.feed(5)
		return h.srv.Count(appendType) > have
	}, waitFor, tick)
}

func TestConnect(t *testing.T) {
	t.Run("connect and disconnect", func(t *testing.T) {
		h := newHarness(t, nil)

		require.True(t, h.eng.Connect(h.session()))
		st := h.eng.Status()
		assert.True(t, st.Running)
		assert.False(t, st.Streaming)
		assert.Equal(t, "connected", st.Connection)
		assert.Equal(t, "idle", st.Turn)
		assert.NotEmpty(t, st.SessionID)
		assert.Equal(t, 1, h.srv.Count("session.update"))

		// A second connect on an open session is a no-op.
		require.True(t, h.eng.Connect(h.session()))
		assert.Equal(t, 1, h.srv.Connections())

		h.eng.Disconnect()
		st = h.eng.Status()
		assert.False(t, st.Running)
		assert.Equal(t, "disconnected", st.Connection)
	})

	t.Run("changed session replaces the connection", func(t *testing.T) {
		h := newHarness(t, nil)

		require.True(t, h.eng.Connect(h.session()))
		require.True(t, h.eng.Connect(h.session(conversation.WithVoice("sage"))))

		assert.Equal(t, 2, h.srv.Connections())
		updates := h.srv.EventsOf("session.update")
		require.Len(t, updates, 2)
		assert.Equal(t, 1, updates[1].Conn)
		assert.Equal(t, "sage", updates[1].Session["voice"])
		assert.Equal(t, "connected", h.eng.Status().Connection)

		require.True(t, h.eng.Connect(h.session(conversation.WithVoice("sage"))))
		assert.Equal(t, 2, h.srv.Connections())
	})

	t.Run("output rate cannot change while streaming", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())

		assert.False(t, h.eng.Connect(h.session(conversation.WithSampleRates(conversation.DefaultInputSampleRate, 16000))))
		assert.Equal(t, 1, h.srv.Connections())
		assert.True(t, h.eng.Status().Streaming)
		assert.Eventually(t, func() bool { return len(h.rec.get(&h.rec.errors)) == 1 }, waitFor, tick)
	})

	t.Run("disconnect without connect is safe", func(t *testing.T) {
		e := engine.New(engine.WithLogger(log.Nop()))
		e.Disconnect()
		e.Disconnect()
		assert.False(t, e.Status().Running)
		assert.True(t, e.StopStreaming())
	})

	t.Run("rejected handshake reports error", func(t *testing.T) {
		h := newHarness(t, []conversationtest.Option{conversationtest.WithRejectStatus(http.StatusUnauthorized)})

		assert.False(t, h.eng.Connect(h.session()))
		assert.Eventually(t, func() bool { return len(h.rec.get(&h.rec.errors)) == 1 }, waitFor, tick)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.eng.Metrics().Errors.WithLabelValues("connect")))
	})

	t.Run("missing session ack times out", func(t *testing.T) {
		h := newHarness(t, []conversationtest.Option{conversationtest.WithoutAck()},
			engine.WithConnectTimeout(200*time.Millisecond))

		start := time.Now()
		assert.False(t, h.eng.Connect(h.session()))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.NotEqual(t, "connected", h.eng.Status().Connection)
	})
}

func TestStartStreaming(t *testing.T) {
	t.Run("requires a running loop", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.False(t, h.eng.StartStreaming(engine.Callbacks{}, audioio.DefaultConfig()))
		assert.Len(t, h.rec.get(&h.rec.errors), 1)
	})

	t.Run("invalid audio config", func(t *testing.T) {
		h := newHarness(t, nil)
		require.True(t, h.eng.Connect(h.session()))

		audio := audioio.DefaultConfig()
		audio.InputSampleRate = 0
		assert.False(t, h.eng.StartStreaming(engine.Callbacks{}, audio))
		assert.False(t, h.eng.Status().Streaming)
	})

	t.Run("second start is a no-op", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		assert.True(t, h.eng.StartStreaming(engine.Callbacks{}, audioio.DefaultConfig()))
		assert.Equal(t, 1, h.dev.openings)
		assert.True(t, h.eng.Status().Streaming)
	})

	t.Run("appends resampled audio", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		ev := h.srv.EventsOf(appendType)[0]
		// 75ms at 24kHz mono PCM16 is 3600 bytes.
		assert.GreaterOrEqual(t, len(ev.Audio), 3600)
		assert.Zero(t, len(ev.Audio)%2)
		assert.Positive(t, h.eng.Status().ChunksSent)
		assert.Equal(t, "user_speaking", h.eng.Status().Turn)
	})
}

func TestSilenceSendsNoTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.stream(t, h.session())

	// Three minutes of silence with no VAD events from the server.
	h.dev.feed(9000)
	h.speak(t)

	assert.Zero(t, h.srv.Count(commitType))
	assert.Zero(t, h.srv.Count(responseType))
	assert.Zero(t, h.eng.Status().Commits)

	h.eng.Disconnect()
	assert.Zero(t, h.srv.Count(commitType))
}

func TestVADTurn(t *testing.T) {
	t.Run("one commit and one response per turn", func(t *testing.T) {
		h := newHarness(t, nil, engine.WithAutoResponse(true))
		h.stream(t, h.session())
		h.speak(t)

		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_started")))
		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_stopped")))
		require.True(t, h.srv.WaitFor(responseType, 1, waitFor))

		// A repeated stop for the same turn sends nothing more.
		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_stopped")))
		h.dev.feed(10)
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, 1, h.srv.Count(commitType))
		assert.Equal(t, 1, h.srv.Count(responseType))
		assert.Equal(t, int64(1), h.eng.Status().Commits)
		assert.Equal(t, int64(1), h.eng.Status().Responses)
		assert.Equal(t, "awaiting_response", h.eng.Status().Turn)
	})

	t.Run("server creates responses by default", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_stopped")))
		require.True(t, h.srv.WaitFor(commitType, 1, waitFor))
		time.Sleep(50 * time.Millisecond)
		assert.Zero(t, h.srv.Count(responseType))
	})

	t.Run("next turn after response done", func(t *testing.T) {
		h := newHarness(t, []conversationtest.Option{
			conversationtest.WithAutoReply(conversationtest.Reply{Transcript: "ok"}),
		}, engine.WithAutoResponse(true))
		h.stream(t, h.session())

		for i := 1; i <= 2; i++ {
			h.speak(t)
			require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_stopped")))
			require.True(t, h.srv.WaitFor(responseType, i, waitFor))
			require.Eventually(t, func() bool { return len(h.rec.get(&h.rec.assistant)) == i }, waitFor, tick)
		}
		assert.Equal(t, 2, h.srv.Count(commitType))
		assert.Equal(t, 2, h.eng.Latency().Turns())
	})
}

func TestResponses(t *testing.T) {
	t.Run("transcripts and playback", func(t *testing.T) {
		audio := pcm.SamplesToBytes(make([]int16, 2400))
		h := newHarness(t, []conversationtest.Option{
			conversationtest.WithAutoReply(conversationtest.Reply{Audio: audio, Transcript: "hello there"}),
		}, engine.WithAutoResponse(true))
		h.stream(t, h.session())
		h.speak(t)

		require.NoError(t, h.srv.Send(conversationtest.UserTranscript(" hi ")))
		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_stopped")))

		require.Eventually(t, func() bool { return len(h.rec.get(&h.rec.assistant)) == 1 }, waitFor, tick)
		require.Eventually(t, func() bool { return len(h.dev.Sink().Played()) >= 2400 }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)

		assert.Equal(t, []string{"hello there"}, h.rec.get(&h.rec.assistant))
		assert.Equal(t, []string{"hi"}, h.rec.get(&h.rec.user))
		assert.True(t, h.rec.sawState(turn.AIResponding))
		assert.Eventually(t, func() bool { return h.eng.Status().Turn == "idle" }, waitFor, tick)
		assert.Equal(t, float64(len(audio)), testutil.ToFloat64(h.eng.Metrics().AudioBytes.WithLabelValues("in")))
	})

	t.Run("transcript from response done only", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())

		require.NoError(t, h.srv.Send(conversationtest.Msg("response.created")))
		require.NoError(t, h.srv.Send(conversationtest.ResponseDone("from done")))

		require.Eventually(t, func() bool { return len(h.rec.get(&h.rec.assistant)) == 1 }, waitFor, tick)
		assert.Equal(t, "from done", h.rec.get(&h.rec.assistant)[0])
	})

	t.Run("interruption clears playback", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dev.instant = false
		h.stream(t, h.session(func(s *conversation.Session) { s.MuteDuringPlayback = false }))

		require.NoError(t, h.srv.Send(conversationtest.Msg("response.created")))
		require.NoError(t, h.srv.Send(conversationtest.AudioDelta(pcm.SamplesToBytes(make([]int16, 48000)))))
		require.Eventually(t, func() bool {
			return h.dev.Sink().Stats().QueuedSamples > 0
		}, waitFor, tick)

		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_started")))
		require.Eventually(t, func() bool {
			return testutil.ToFloat64(h.eng.Metrics().PlaybackCleared) > 0
		}, waitFor, tick)
		assert.Positive(t, h.dev.Sink().Stats().Cleared)
	})

	t.Run("muted playback ignores speech", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dev.instant = false
		h.stream(t, h.session())

		require.NoError(t, h.srv.Send(conversationtest.Msg("response.created")))
		require.NoError(t, h.srv.Send(conversationtest.AudioDelta(pcm.SamplesToBytes(make([]int16, 48000)))))
		require.NoError(t, h.srv.Send(conversationtest.Msg("input_audio_buffer.speech_started")))
		require.Eventually(t, func() bool { return h.eng.Status().Turn == "ai_responding" }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)

		assert.Zero(t, testutil.ToFloat64(h.eng.Metrics().PlaybackCleared))

		// Capture is gated while the assistant speaks.
		sent := h.eng.Status().ChunksSent
		h.dev.feed(20)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, sent, h.eng.Status().ChunksSent)
	})

	t.Run("fatal server error is reported", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())

		require.NoError(t, h.srv.Send(conversationtest.Error("input_audio_buffer_commit_empty", "buffer too small")))
		require.NoError(t, h.srv.Send(conversationtest.Error("server_error", "boom")))

		require.Eventually(t, func() bool { return len(h.rec.get(&h.rec.errors)) == 1 }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, h.rec.get(&h.rec.errors), 1)
		assert.Contains(t, h.rec.get(&h.rec.errors)[0], "boom")
	})
}

func TestSendText(t *testing.T) {
	t.Run("callback receives the reply", func(t *testing.T) {
		h := newHarness(t, []conversationtest.Option{
			conversationtest.WithAutoReply(conversationtest.Reply{Text: "hi back"}),
		})
		require.True(t, h.eng.Connect(h.session()))

		got := make(chan string, 1)
		require.True(t, h.eng.SendText("hello", func(s string) { got <- s }))

		select {
		case s := <-got:
			assert.Equal(t, "hi back", s)
		case <-time.After(waitFor):
			t.Fatal("text callback not called")
		}
		assert.Equal(t, 1, h.srv.Count("conversation.item.create"))
		assert.Equal(t, 1, h.srv.Count(responseType))
		assert.Equal(t, []string{"hi back"}, h.rec.get(&h.rec.text))
	})

	t.Run("callback falls back to transcript", func(t *testing.T) {
		h := newHarness(t, []conversationtest.Option{
			conversationtest.WithAutoReply(conversationtest.Reply{Transcript: "spoken reply"}),
		})
		require.True(t, h.eng.Connect(h.session()))

		got := make(chan string, 2)
		require.True(t, h.eng.SendText("hello", func(s string) { got <- s }))

		select {
		case s := <-got:
			assert.Equal(t, "spoken reply", s)
		case <-time.After(waitFor):
			t.Fatal("text callback not called")
		}
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, got, 0)
	})

	t.Run("rejects empty text", func(t *testing.T) {
		h := newHarness(t, nil)
		require.True(t, h.eng.Connect(h.session()))
		assert.False(t, h.eng.SendText("  ", nil))
		assert.Zero(t, h.srv.Count("conversation.item.create"))
	})

	t.Run("requires connection", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.False(t, h.eng.SendText("hello", nil))
	})
}

func TestStopStreaming(t *testing.T) {
	t.Run("flushes and commits", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		assert.True(t, h.eng.StopStreaming())
		assert.Equal(t, 1, h.srv.Count(commitType))

		st := h.eng.Status()
		assert.False(t, st.Running)
		assert.False(t, st.Streaming)
		assert.Equal(t, "disconnected", st.Connection)
	})

	t.Run("sends the partial chunk left in the framer", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())

		h.dev.feed(4)
		require.True(t, h.srv.WaitFor(appendType, 1, waitFor))
		h.dev.feed(2)

		assert.True(t, h.eng.StopStreaming())
		appends := h.srv.EventsOf(appendType)
		require.Len(t, appends, 2)
		tail := appends[1].Audio
		// 40ms at 24kHz mono PCM16 is 1920 bytes; a full chunk is 3600.
		assert.Greater(t, len(tail), 960)
		assert.Less(t, len(tail), 3600)
		assert.Equal(t, 1, h.srv.Count(commitType))
	})

	t.Run("waits for the final response", func(t *testing.T) {
		h := newHarness(t, nil, engine.WithDrainTimeout(5*time.Second))
		h.stream(t, h.session())
		h.speak(t)

		go func() {
			if h.srv.WaitFor(commitType, 1, waitFor) {
				time.Sleep(100 * time.Millisecond)
				_ = h.srv.Send(conversationtest.Msg("response.created"))
				_ = h.srv.Send(conversationtest.ResponseDone("bye"))
			}
		}()

		start := time.Now()
		assert.True(t, h.eng.StopStreaming())
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
		assert.Equal(t, []string{"bye"}, h.rec.get(&h.rec.assistant))
	})

	t.Run("drain times out", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		start := time.Now()
		assert.True(t, h.eng.StopStreaming())
		assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("idle stop does not wait", func(t *testing.T) {
		h := newHarness(t, nil, engine.WithDrainTimeout(5*time.Second))
		h.stream(t, h.session())

		start := time.Now()
		assert.True(t, h.eng.StopStreaming())
		assert.Less(t, time.Since(start), time.Second)
		assert.Zero(t, h.srv.Count(commitType))
	})

	t.Run("repeated stop is safe", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		assert.True(t, h.eng.StopStreaming())
		assert.True(t, h.eng.StopStreaming())
	})
}

func TestReconnect(t *testing.T) {
	t.Run("stream survives a dropped connection", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		h.srv.DropAll()
		require.Eventually(t, func() bool {
			h.dev.feed(5)
			return h.srv.Connections() >= 2
		}, waitFor, tick)

		require.Eventually(t, func() bool {
			h.dev.feed(5)
			for _, ev := range h.srv.EventsOf(appendType) {
				if ev.Conn == 1 {
					return true
				}
			}
			return false
		}, waitFor, tick)
		assert.Equal(t, 2, h.srv.Count("session.update"))
		assert.Positive(t, h.eng.Status().Reconnects)

		start := time.Now()
		h.eng.StopStreaming()
		assert.Less(t, time.Since(start), 3*time.Second)

		st := h.eng.Status()
		assert.False(t, st.Running)
		assert.Equal(t, "disconnected", st.Connection)
	})

	t.Run("stop is bounded when the server is gone", func(t *testing.T) {
		h := newHarness(t, nil)
		h.stream(t, h.session())
		h.speak(t)

		h.srv.Close()
		h.dev.feed(50)

		start := time.Now()
		h.eng.StopStreaming()
		assert.Less(t, time.Since(start), 4*time.Second)
		assert.False(t, h.eng.Status().Running)
	})
}

func TestQueueSchedulerDelivery(t *testing.T) {
	q := engine.NewQueueScheduler(16, log.Nop())
	defer q.Close()

	h := newHarness(t, []conversationtest.Option{
		conversationtest.WithAutoReply(conversationtest.Reply{Text: "queued"}),
	}, engine.WithScheduler(q))
	require.True(t, h.eng.Connect(h.session()))

	require.True(t, h.eng.SendText("hello", nil))
	require.Eventually(t, func() bool { return len(h.rec.get(&h.rec.text)) == 1 }, waitFor, tick)
	assert.Equal(t, "queued", h.rec.get(&h.rec.text)[0])
}

func TestSharedMetrics(t *testing.T) {
	m := metrics.New(metrics.DefaultNamespace)
	l := metrics.NewLatencyTracker(m)
	e := engine.New(engine.WithLogger(log.Nop()), engine.WithMetrics(m), engine.WithLatency(l))

	assert.Same(t, m, e.Metrics())
	assert.Same(t, l, e.Latency())

	d := engine.New(engine.WithLogger(log.Nop()))
	assert.NotNil(t, d.Metrics())
	assert.NotSame(t, l, d.Latency())
}
