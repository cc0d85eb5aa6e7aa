// Package monitor serves engine status, Prometheus metrics and a live
// websocket feed of engine events.
//
// The event feed uses the channel-based fan-out pattern: a Hub goroutine
// owns the client set and each client has its own write pump.
package monitor

import (
	"time"

	"github.com/bytedance/sonic"
)

// Event types published on the feed.
const (
	EventState     = "state"
	EventUser      = "user"
	EventAssistant = "assistant"
	EventText      = "text"
	EventError     = "error"
)

// Event is one entry of the event feed.
type Event struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	From string    `json:"from,omitempty"`
	To   string    `json:"to,omitempty"`
	Text string    `json:"text,omitempty"`
}

// Message is a pre-encoded frame queued for a client.
type Message struct {
	Data []byte
}

// NewMessage encodes v as JSON.
func NewMessage(v any) (Message, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data}, nil
}
