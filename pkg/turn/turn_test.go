package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:             "idle",
		UserSpeaking:     "user_speaking",
		AwaitingResponse: "awaiting_response",
		AIResponding:     "ai_responding",
		Draining:         "draining",
		State(42):        "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func TestMachine_VADTurn(t *testing.T) {
	m := New(Config{AutoResponse: true, MuteDuringPlayback: true})

	var transitions []string
	m.OnTransition(func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	})

	assert.True(t, m.CaptureAllowed())

	m.LocalCapture()
	m.MarkAppended()
	assert.Equal(t, UserSpeaking, m.State())

	actions := m.SpeechStopped()
	assert.Equal(t, Actions{Commit: true, RequestResponse: true}, actions)
	assert.Equal(t, AwaitingResponse, m.State())
	require.True(t, m.LatchResponse())
	m.ClearPending()

	m.ResponseCreated()
	assert.Equal(t, AIResponding, m.State())
	assert.False(t, m.CaptureAllowed(), "mic must be muted while the assistant speaks")
	assert.Equal(t, AIResponding, m.Snapshot())

	m.AudioDelta()
	assert.False(t, m.LatchResponse(), "second response.create must be refused")

	m.ResponseDone()
	assert.Equal(t, Idle, m.State())
	assert.True(t, m.CaptureAllowed())
	assert.False(t, m.PendingAudio())
	assert.False(t, m.ResponseRequested())

	assert.Equal(t, []string{
		"idle>user_speaking",
		"user_speaking>awaiting_response",
		"awaiting_response>ai_responding",
		"ai_responding>idle",
	}, transitions)
}

func TestMachine_SpeechStartedFromServer(t *testing.T) {
	m := New(Config{})
	assert.False(t, m.SpeechStarted())
	assert.Equal(t, UserSpeaking, m.State())
}

func TestMachine_Interruption(t *testing.T) {
	t.Run("mute disabled reports barge-in", func(t *testing.T) {
		m := New(Config{MuteDuringPlayback: false})
		m.ResponseCreated()
		assert.True(t, m.CaptureAllowed())
		assert.True(t, m.SpeechStarted())
	})

	t.Run("mute enabled ignores speech", func(t *testing.T) {
		m := New(Config{MuteDuringPlayback: true})
		m.ResponseCreated()
		assert.False(t, m.SpeechStarted())
		assert.Equal(t, AIResponding, m.State())
	})
}

func TestMachine_NoCommitWithoutAudio(t *testing.T) {
	m := New(Config{AutoResponse: true})
	m.SpeechStarted()
	actions := m.SpeechStopped()
	assert.False(t, actions.Commit)
	assert.True(t, actions.RequestResponse)
}

func TestMachine_Errors(t *testing.T) {
	t.Run("buffer errors reset to idle", func(t *testing.T) {
		for _, code := range []string{CodeCommitEmpty, CodeInvalidValue} {
			m := New(Config{})
			m.LocalCapture()
			m.MarkAppended()
			m.Error(code)
			assert.Equal(t, Idle, m.State(), code)
			assert.False(t, m.PendingAudio(), code)
		}
	})

	t.Run("other errors end an in-flight turn", func(t *testing.T) {
		m := New(Config{})
		m.SpeechStopped()
		m.LatchResponse()
		m.Error("server_error")
		assert.Equal(t, Idle, m.State())
		assert.False(t, m.ResponseRequested())
	})

	t.Run("other errors end a user turn and keep pending audio", func(t *testing.T) {
		m := New(Config{})
		m.LocalCapture()
		m.MarkAppended()
		m.Error("rate_limit_exceeded")
		assert.Equal(t, Idle, m.State())
		assert.True(t, m.PendingAudio())

		m.LocalCapture()
		assert.True(t, m.SpeechStopped().Commit)
	})

	t.Run("other errors leave idle alone", func(t *testing.T) {
		m := New(Config{})
		m.Error("server_error")
		assert.Equal(t, Idle, m.State())
	})
}

func TestMachine_Drain(t *testing.T) {
	t.Run("idle drain completes without response", func(t *testing.T) {
		m := New(Config{})
		m.LocalCapture()
		m.MarkAppended()

		commit, inFlight := m.BeginDrain()
		assert.True(t, commit)
		assert.False(t, inFlight)
		assert.Equal(t, Draining, m.State())
		assert.False(t, m.CaptureAllowed())
	})

	t.Run("in-flight drain waits for response done", func(t *testing.T) {
		m := New(Config{})
		m.ResponseCreated()

		commit, inFlight := m.BeginDrain()
		assert.False(t, commit)
		assert.True(t, inFlight)
		assert.False(t, m.DrainComplete())

		m.AudioDelta()
		assert.Equal(t, Draining, m.State(), "draining is sticky")

		m.ResponseDone()
		assert.True(t, m.DrainComplete())
		assert.Equal(t, Draining, m.State())
	})

	t.Run("text turns refused while draining", func(t *testing.T) {
		m := New(Config{})
		m.BeginDrain()
		assert.False(t, m.TextTurn())
	})
}

func TestMachine_Reset(t *testing.T) {
	m := New(Config{})
	m.ResponseCreated()
	m.MarkAppended()
	m.BeginDrain()

	m.Reset()
	assert.Equal(t, Idle, m.State())
	assert.False(t, m.PendingAudio())
	assert.False(t, m.ResponseRequested())
	assert.True(t, m.CaptureAllowed())
}

type event int

const (
	evCapture event = iota
	evAppend
	evSpeechStarted
	evSpeechStopped
	evResponseCreated
	evAudioDelta
	evResponseDone
	evBufferError
	evOtherError
	evText
)

// wire counts what a connection would send for a stream of events, applying
// the same guards the connection manager applies.
type wire struct {
	m         *Machine
	commits   int
	requests  int
	perTurn   int
	maxInTurn int
}

func (w *wire) commit() {
	if !w.m.PendingAudio() {
		return
	}
	w.commits++
	w.m.ClearPending()
}

func (w *wire) request() {
	if !w.m.LatchResponse() {
		return
	}
	w.requests++
	w.perTurn++
	if w.perTurn > w.maxInTurn {
		w.maxInTurn = w.perTurn
	}
}

func (w *wire) apply(ev event) {
	switch ev {
	case evCapture:
		if w.m.CaptureAllowed() {
			w.m.LocalCapture()
		}
	case evAppend:
		if w.m.CaptureAllowed() {
			w.m.MarkAppended()
		}
	case evSpeechStarted:
		w.m.SpeechStarted()
	case evSpeechStopped:
		a := w.m.SpeechStopped()
		if a.Commit {
			w.commit()
		}
		if a.RequestResponse {
			w.request()
		}
	case evResponseCreated:
		w.m.ResponseCreated()
	case evAudioDelta:
		w.m.AudioDelta()
	case evResponseDone:
		w.m.ResponseDone()
	case evBufferError:
		w.m.Error(CodeCommitEmpty)
	case evOtherError:
		w.m.Error("server_error")
	case evText:
		if w.m.TextTurn() {
			w.request()
		}
	}
	if !w.m.ResponseRequested() {
		w.perTurn = 0
	}
}

func TestMachine_SingleRequestPerTurnProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := Config{
			AutoResponse:       rapid.Bool().Draw(rt, "auto"),
			MuteDuringPlayback: rapid.Bool().Draw(rt, "mute"),
		}
		events := rapid.SliceOfN(rapid.SampledFrom([]event{
			evCapture, evAppend, evSpeechStarted, evSpeechStopped, evResponseCreated,
			evAudioDelta, evResponseDone, evBufferError, evOtherError, evText,
		}), 0, 200).Draw(rt, "events")

		w := &wire{m: New(cfg)}
		for _, ev := range events {
			w.apply(ev)
		}
		if w.maxInTurn > 1 {
			rt.Fatalf("sent %d response.create in one turn", w.maxInTurn)
		}
	})
}

func TestMachine_CommitOnlyWithPendingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		events := rapid.SliceOfN(rapid.SampledFrom([]event{
			evCapture, evSpeechStarted, evSpeechStopped, evResponseCreated,
			evAudioDelta, evResponseDone, evBufferError, evOtherError,
		}), 0, 200).Draw(rt, "events")

		// no evAppend: nothing ever reaches the server buffer
		w := &wire{m: New(Config{AutoResponse: true})}
		for _, ev := range events {
			w.apply(ev)
		}
		if w.commits != 0 {
			rt.Fatalf("sent %d commits without pending audio", w.commits)
		}
	})
}

func TestMachine_OneCommitPerVADTurn(t *testing.T) {
	w := &wire{m: New(Config{AutoResponse: true, MuteDuringPlayback: true})}
	for turn := 0; turn < 5; turn++ {
		w.apply(evCapture)
		for i := 0; i < 10; i++ {
			w.apply(evAppend)
		}
		w.apply(evSpeechStarted)
		w.apply(evSpeechStopped)
		w.apply(evResponseCreated)
		w.apply(evAudioDelta)
		w.apply(evAppend) // muted, must not mark pending
		w.apply(evResponseDone)
	}
	assert.Equal(t, 5, w.commits)
	assert.Equal(t, 5, w.requests)
}
