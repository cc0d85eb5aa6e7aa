// Package turn tracks conversational turn-taking for a realtime voice session:
// who is speaking, whether audio is pending on the server, and whether a
// response has already been requested for the current turn.
//
// A Machine is driven from a single goroutine (the engine's event loop). The
// only value read from other goroutines is the capture gate, which is
// published atomically.
package turn

import (
	"sync/atomic"
)

// State is the turn-taking state of a session.
type State int32

const (
	// Idle means nobody is speaking and no response is pending.
	Idle State = iota
	// UserSpeaking means the user is talking and audio is flowing.
	UserSpeaking
	// AwaitingResponse means the user turn ended and a response is expected.
	AwaitingResponse
	// AIResponding means the assistant is producing a response.
	AIResponding
	// Draining means a local stop was requested; the session is winding down.
	Draining
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case UserSpeaking:
		return "user_speaking"
	case AwaitingResponse:
		return "awaiting_response"
	case AIResponding:
		return "ai_responding"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Error codes the server uses for input buffer problems.
const (
	CodeCommitEmpty  = "input_audio_buffer_commit_empty"
	CodeInvalidValue = "invalid_value"
)

// IsBufferErrorCode reports whether code signals an empty or invalid input
// buffer. Such errors reset local turn state but keep the connection.
func IsBufferErrorCode(code string) bool {
	return code == CodeCommitEmpty || code == CodeInvalidValue
}

// Actions tells the caller which wire messages a transition requires.
type Actions struct {
	Commit          bool
	RequestResponse bool
}

// Config controls optional behavior.
type Config struct {
	// AutoResponse requests a response right after the user turn is committed.
	AutoResponse bool

	// MuteDuringPlayback discards captured audio while the assistant speaks.
	MuteDuringPlayback bool
}

// Machine is the turn state machine.
type Machine struct {
	cfg Config

	state             State
	pendingAudio      bool
	responseRequested bool
	drainDone         bool

	gate atomic.Bool // capture allowed, read from the capture goroutine
	snap atomic.Int32

	onTransition func(from, to State)
}

// New creates a machine in Idle.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg}
	m.publish()
	return m
}

// OnTransition registers fn to run after every state change.
// fn runs on the goroutine driving the machine.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.onTransition = fn
}

// Config returns the machine configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// State returns the current state. Call only from the driving goroutine.
func (m *Machine) State() State {
	return m.state
}

// Snapshot returns the most recently published state; safe from any goroutine.
func (m *Machine) Snapshot() State {
	return State(m.snap.Load())
}

// CaptureAllowed reports whether captured audio should be forwarded.
// Safe from any goroutine.
func (m *Machine) CaptureAllowed() bool {
	return m.gate.Load()
}

// PendingAudio reports whether audio was appended since the last commit.
func (m *Machine) PendingAudio() bool {
	return m.pendingAudio
}

// MarkAppended records that audio reached the server-side input buffer.
func (m *Machine) MarkAppended() {
	m.pendingAudio = true
}

// ClearPending clears the pending audio flag after a commit.
func (m *Machine) ClearPending() {
	m.pendingAudio = false
}

// ResponseRequested reports whether the current turn already has a response.
func (m *Machine) ResponseRequested() bool {
	return m.responseRequested
}

// LatchResponse marks the turn as having a response requested. It returns
// false if the latch was already set, in which case no request may be sent.
func (m *Machine) LatchResponse() bool {
	if m.responseRequested {
		return false
	}
	m.responseRequested = true
	return true
}

// Reset returns to Idle with cleared flags. Used on every fresh connection.
func (m *Machine) Reset() {
	m.pendingAudio = false
	m.responseRequested = false
	m.drainDone = false
	m.set(Idle)
}

// LocalCapture handles audio captured while not muted.
func (m *Machine) LocalCapture() {
	if m.state == Idle {
		m.set(UserSpeaking)
	}
}

// SpeechStarted handles server-side VAD detecting speech. It reports whether
// the user interrupted an assistant response.
func (m *Machine) SpeechStarted() (interrupted bool) {
	switch m.state {
	case Idle:
		m.set(UserSpeaking)
	case AIResponding:
		return !m.cfg.MuteDuringPlayback
	}
	return false
}

// SpeechStopped handles server-side VAD ending the user turn.
func (m *Machine) SpeechStopped() Actions {
	switch m.state {
	case Idle, UserSpeaking:
		m.set(AwaitingResponse)
		return Actions{
			Commit:          m.pendingAudio,
			RequestResponse: m.cfg.AutoResponse && !m.responseRequested,
		}
	}
	return Actions{}
}

// TextTurn handles a locally injected text turn. It reports whether a
// response should be requested.
func (m *Machine) TextTurn() bool {
	if m.state == Draining {
		return false
	}
	if m.state == Idle || m.state == UserSpeaking {
		m.set(AwaitingResponse)
	}
	return !m.responseRequested
}

// ResponseCreated handles the server announcing a response.
func (m *Machine) ResponseCreated() {
	m.responseRequested = true
	m.toResponding()
}

// AudioDelta handles a chunk of assistant audio.
func (m *Machine) AudioDelta() {
	m.responseRequested = true
	m.toResponding()
}

func (m *Machine) toResponding() {
	switch m.state {
	case Idle, UserSpeaking, AwaitingResponse:
		m.set(AIResponding)
	}
}

// ResponseDone handles response completion.
func (m *Machine) ResponseDone() {
	m.pendingAudio = false
	m.responseRequested = false
	if m.state == Draining {
		m.drainDone = true
		return
	}
	m.set(Idle)
}

// Error handles a server error event with the given code.
func (m *Machine) Error(code string) {
	if m.state == Draining {
		if IsBufferErrorCode(code) {
			m.pendingAudio = false
		}
		return
	}
	if IsBufferErrorCode(code) {
		m.pendingAudio = false
		m.responseRequested = false
		m.set(Idle)
		return
	}
	switch m.state {
	case UserSpeaking:
		// Appended audio is still in the server buffer; keep the flag so
		// the next commit carries it.
		m.responseRequested = false
		m.set(Idle)
	case AwaitingResponse, AIResponding:
		m.pendingAudio = false
		m.responseRequested = false
		m.set(Idle)
	}
}

// BeginDrain moves to Draining. It returns whether a final commit is due and
// whether a response is still in flight.
func (m *Machine) BeginDrain() (commit, inFlight bool) {
	inFlight = m.state == AwaitingResponse || m.state == AIResponding
	if m.state == Draining {
		return false, !m.drainDone && m.responseRequested
	}
	m.set(Draining)
	if inFlight {
		m.responseRequested = true
	}
	return m.pendingAudio, inFlight
}

// DrainComplete reports whether the drain has seen its final response.
func (m *Machine) DrainComplete() bool {
	return m.state == Draining && m.drainDone
}

func (m *Machine) set(to State) {
	from := m.state
	m.state = to
	m.publish()
	if from != to && m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Machine) publish() {
	m.snap.Store(int32(m.state))
	allowed := true
	switch {
	case m.state == Draining:
		allowed = false
	case m.state == AIResponding && m.cfg.MuteDuringPlayback:
		allowed = false
	}
	m.gate.Store(allowed)
}
