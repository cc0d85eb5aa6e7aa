package engine

import (
	"errors"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/turn"
)

var (
	ErrNotRunning   = errors.New("engine: event loop not running")
	ErrLoopBusy     = errors.New("engine: event loop did not respond in time")
	ErrNotStreaming = errors.New("engine: not streaming")
	ErrEmptyText    = errors.New("engine: empty text")
	ErrDraining     = errors.New("engine: stream is draining")
	ErrRateChange   = errors.New("engine: wire sample rate cannot change while streaming")
)

// Callbacks receive results on the host's scheduler. Any field may be nil.
type Callbacks struct {
	// OnText receives assistant text deltas.
	OnText func(text string)

	// OnUserTranscript receives the transcript of a completed user turn.
	OnUserTranscript func(text string)

	// OnAssistantTranscript receives the transcript of a completed response.
	OnAssistantTranscript func(text string)

	// OnError receives user-visible error messages.
	OnError func(message string)

	// OnStateChange receives every turn state change.
	OnStateChange func(from, to turn.State)
}

// merge returns c with nil fields taken from base.
func (c Callbacks) merge(base Callbacks) Callbacks {
	if c.OnText == nil {
		c.OnText = base.OnText
	}
	if c.OnUserTranscript == nil {
		c.OnUserTranscript = base.OnUserTranscript
	}
	if c.OnAssistantTranscript == nil {
		c.OnAssistantTranscript = base.OnAssistantTranscript
	}
	if c.OnError == nil {
		c.OnError = base.OnError
	}
	if c.OnStateChange == nil {
		c.OnStateChange = base.OnStateChange
	}
	return c
}

// Combine returns callbacks that invoke each of cbs in order.
func Combine(cbs ...Callbacks) Callbacks {
	text := func(pick func(Callbacks) func(string)) func(string) {
		var fns []func(string)
		for _, cb := range cbs {
			if fn := pick(cb); fn != nil {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			return nil
		}
		return func(s string) {
			for _, fn := range fns {
				fn(s)
			}
		}
	}

	var states []func(from, to turn.State)
	for _, cb := range cbs {
		if cb.OnStateChange != nil {
			states = append(states, cb.OnStateChange)
		}
	}
	out := Callbacks{
		OnText:                text(func(c Callbacks) func(string) { return c.OnText }),
		OnUserTranscript:      text(func(c Callbacks) func(string) { return c.OnUserTranscript }),
		OnAssistantTranscript: text(func(c Callbacks) func(string) { return c.OnAssistantTranscript }),
		OnError:               text(func(c Callbacks) func(string) { return c.OnError }),
	}
	if len(states) > 0 {
		out.OnStateChange = func(from, to turn.State) {
			for _, fn := range states {
				fn(from, to)
			}
		}
	}
	return out
}

// Status is a point-in-time view of the engine, safe to read from any
// goroutine.
type Status struct {
	SessionID      string    `json:"session_id"`
	Running        bool      `json:"running"`
	Streaming      bool      `json:"streaming"`
	Connection     string    `json:"connection"`
	Turn           string    `json:"turn"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastEventID    string    `json:"last_event_id,omitempty"`
	ChunksCaptured int64     `json:"chunks_captured"`
	ChunksDropped  int64     `json:"chunks_dropped"`
	ChunksSent     int64     `json:"chunks_sent"`
	Commits        int64     `json:"commits"`
	Responses      int64     `json:"responses"`
	Reconnects     int64     `json:"reconnects"`
	LastLatency    string    `json:"last_latency,omitempty"`
}
