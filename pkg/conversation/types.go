package conversation

import (
	"sync"
	"time"
)

// ConnectionState represents the WebSocket connection state.
type ConnectionState int

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates connection is being established.
	StateConnecting
	// StateConnected indicates an active, acknowledged session.
	StateConnected
	// StateReconnecting indicates reconnection is in progress.
	StateReconnecting
	// StateClosing indicates a deliberate close is in progress.
	StateClosing
)

// String returns a human-readable connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// TurnTracker owns the per-turn flags the manager consults before sending
// commits and response requests. Methods are called from the goroutine that
// drives the manager's send operations.
type TurnTracker interface {
	// PendingAudio reports whether audio was appended since the last commit.
	PendingAudio() bool

	// MarkAppended records a successful append.
	MarkAppended()

	// ClearPending clears the pending flag after a commit.
	ClearPending()

	// LatchResponse sets the response-requested latch. It returns false if
	// the latch was already set for this turn.
	LatchResponse() bool
}

// ResponseOptions customizes a response.create request.
type ResponseOptions struct {
	// Modalities overrides the output modalities. Default: audio and text.
	Modalities []string

	// Temperature overrides the session temperature.
	Temperature *float64

	// Instructions overrides the session instructions for this response only.
	Instructions string
}

// Stats tracks connection and usage statistics.
type Stats struct {
	// ConnectionID identifies the current connection.
	ConnectionID string `json:"connection_id"`

	// State is the current connection state.
	State string `json:"state"`

	// ConnectedAt is when the current connection was acknowledged.
	ConnectedAt time.Time `json:"connected_at"`

	// MessagesSent is the total messages sent.
	MessagesSent int64 `json:"messages_sent"`

	// MessagesReceived is the total messages received.
	MessagesReceived int64 `json:"messages_received"`

	// AudioBytesSent is the total PCM bytes appended.
	AudioBytesSent int64 `json:"audio_bytes_sent"`

	// Reconnects is the number of reconnect attempts.
	Reconnects int64 `json:"reconnects"`

	// LastEventID is the most recent server event id, for correlation only.
	LastEventID string `json:"last_event_id"`
}

// flagTracker is the TurnTracker used when none is configured.
type flagTracker struct {
	mu        sync.Mutex
	pending   bool
	requested bool
}

func (f *flagTracker) PendingAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *flagTracker) MarkAppended() {
	f.mu.Lock()
	f.pending = true
	f.mu.Unlock()
}

func (f *flagTracker) ClearPending() {
	f.mu.Lock()
	f.pending = false
	f.mu.Unlock()
}

func (f *flagTracker) LatchResponse() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requested {
		return false
	}
	f.requested = true
	return true
}

// ResponseDone clears the latch. The manager calls it on response.done.
func (f *flagTracker) ResponseDone() {
	f.mu.Lock()
	f.pending = false
	f.requested = false
	f.mu.Unlock()
}

func (f *flagTracker) reset() {
	f.ResponseDone()
}
