// Package conversation manages the WebSocket connection to a realtime voice
// API. It speaks both the OpenAI Realtime and the xAI Grok dialects of the
// JSON event protocol.
//
// A Manager owns at most one connection at a time. Outbound operations are
// serialized on a single writer; inbound frames are decoded by a per-connection
// reader goroutine and delivered in order on the channel returned by Receive.
// That channel is closed when the connection ends, which is how callers learn
// about unexpected closures.
//
// Example usage:
//
//	m := conversation.NewManager(conversation.WithLogger(logger))
//	session := conversation.DefaultSession(conversation.ProviderOpenAI)
//	if err := m.Connect(ctx, session); err != nil {
//	    return err
//	}
//	defer m.Close(context.Background())
//
//	go func() {
//	    for ev := range m.Receive() {
//	        handle(ev)
//	    }
//	}()
//
//	_ = m.AppendAudio(ctx, pcm16)
package conversation

import (
	"context"
)

// Conn is the connection surface used by the stream engine.
type Conn interface {
	// Connect opens a connection and waits for the session acknowledgement.
	Connect(ctx context.Context, s Session) error

	// Reconnect reopens the connection with the last session.
	Reconnect(ctx context.Context) error

	// Close ends the connection. Safe to call repeatedly.
	Close(ctx context.Context) error

	// IsOpen reports whether an acknowledged connection is up.
	IsOpen() bool

	// State returns the connection state.
	State() ConnectionState

	// AppendAudio sends PCM16 to the server input buffer. It is a no-op when
	// no connection is open.
	AppendAudio(ctx context.Context, pcm []byte) error

	// Commit commits the input buffer if audio is pending.
	Commit(ctx context.Context) error

	// RequestResponse asks for a response unless one was already requested
	// this turn.
	RequestResponse(ctx context.Context, opts ResponseOptions) error

	// SendText adds a user text message to the conversation.
	SendText(ctx context.Context, text string) error

	// Ping sends a WebSocket ping.
	Ping(ctx context.Context) error

	// Receive returns the inbound events of the current connection.
	Receive() <-chan ServerEvent

	// Stats returns connection statistics.
	Stats() Stats
}

var _ Conn = (*Manager)(nil)
