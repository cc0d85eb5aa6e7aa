package conversation

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-voicestream/internal/httpc"
)

// Config holds configuration for the connection manager.
type Config struct {
	// Timeout bounds dialing plus the session acknowledgement.
	Timeout time.Duration

	// ReadTimeout is the idle read deadline. Pings extend it through pongs.
	// Zero disables the deadline.
	ReadTimeout time.Duration

	// WriteTimeout is the deadline for a single outbound message.
	WriteTimeout time.Duration

	// CloseTimeout bounds the close handshake.
	CloseTimeout time.Duration

	// MinRetryInterval is the minimum gap between reconnect attempts.
	MinRetryInterval time.Duration

	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer

	// Tracker supplies the turn flags. A private tracker is used if nil.
	Tracker TurnTracker

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          10 * time.Second,
		ReadTimeout:      time.Minute,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     time.Second,
		MinRetryInterval: 250 * time.Millisecond,
		EventBuffer:      256,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Option is a functional option for configuring the manager.
type Option func(*Config)

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithReadTimeout sets the idle read deadline.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ReadTimeout = d
	}
}

// WithWriteTimeout sets the per-message write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithMinRetryInterval sets the reconnect rate limit.
func WithMinRetryInterval(d time.Duration) Option {
	return func(c *Config) {
		c.MinRetryInterval = d
	}
}

// WithEventBuffer sets the inbound channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Config) {
		c.EventBuffer = n
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithTurnTracker shares turn flags with the caller's state machine.
func WithTurnTracker(t TurnTracker) Option {
	return func(c *Config) {
		c.Tracker = t
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	if c.MinRetryInterval < 0 {
		c.MinRetryInterval = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Dialer == nil {
		c.Dialer = httpc.NewDialer(c.Timeout)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
