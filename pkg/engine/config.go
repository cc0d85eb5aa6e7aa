package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/audioio"
	"github.com/teslashibe/go-voicestream/pkg/conversation"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

// DeviceFactory opens the capture and playback devices for a stream.
type DeviceFactory func(cfg audioio.Config, logger *slog.Logger) (audioio.Source, audioio.Sink, error)

// Config holds engine tuning. Zero durations fall back to defaults.
type Config struct {
	// ConnectTimeout bounds Connect, including the session handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// DrainTimeout bounds the wait for a final response on stop.
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`

	// JoinTimeout bounds the wait for the event loop to exit.
	JoinTimeout time.Duration `yaml:"join_timeout" json:"join_timeout"`

	// KeepaliveInterval is the websocket ping period. Zero disables pings.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" json:"keepalive_interval"`

	// MinChunk is the minimum duration of one audio append.
	MinChunk time.Duration `yaml:"min_chunk" json:"min_chunk"`

	// StopFlushMin is the minimum leftover capture appended on stop. It is
	// capped at MinChunk, since the leftover is always shorter than a chunk.
	StopFlushMin time.Duration `yaml:"stop_flush_min" json:"stop_flush_min"`

	// HandoffDepth is the capacity of the capture-to-loop channel in chunks.
	HandoffDepth int `yaml:"handoff_depth" json:"handoff_depth"`

	// AutoResponse sends response.create after each VAD-committed turn.
	// Leave false when the server creates responses itself.
	AutoResponse bool `yaml:"auto_response" json:"auto_response"`

	// Response holds the options sent with every response.create.
	Response conversation.ResponseOptions `yaml:"-" json:"-"`

	// Audio is the default device configuration.
	Audio audioio.Config `yaml:"audio" json:"audio"`

	// Callbacks are the default host callbacks.
	Callbacks Callbacks `yaml:"-" json:"-"`

	Scheduler   Scheduler               `yaml:"-" json:"-"`
	Devices     DeviceFactory           `yaml:"-" json:"-"`
	Metrics     *metrics.Metrics        `yaml:"-" json:"-"`
	Latency     *metrics.LatencyTracker `yaml:"-" json:"-"`
	ConnOptions []conversation.Option   `yaml:"-" json:"-"`
	Logger      *slog.Logger            `yaml:"-" json:"-"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		DrainTimeout:      2 * time.Second,
		JoinTimeout:       3 * time.Second,
		KeepaliveInterval: 20 * time.Second,
		MinChunk:          pcm.DefaultMinChunk,
		StopFlushMin:      20 * time.Millisecond,
		HandoffDepth:      64,
		Audio:             audioio.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ConnectTimeout < 0 || c.DrainTimeout < 0 || c.JoinTimeout < 0 {
		return errors.New("engine: timeouts must not be negative")
	}
	if c.HandoffDepth < 0 {
		return errors.New("engine: handoff depth must not be negative")
	}
	return c.Audio.Validate()
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.MinChunk <= 0 {
		c.MinChunk = d.MinChunk
	}
	if c.StopFlushMin <= 0 {
		c.StopFlushMin = d.StopFlushMin
	}
	if c.StopFlushMin > c.MinChunk {
		c.StopFlushMin = c.MinChunk
	}
	if c.HandoffDepth <= 0 {
		c.HandoffDepth = d.HandoffDepth
	}
	if c.Scheduler == nil {
		c.Scheduler = inline{}
	}
	if c.Devices == nil {
		c.Devices = audioio.Open
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Option configures an Engine.
type Option func(*Config)

// WithConfig replaces the whole configuration. Apply it before other options.
func WithConfig(cfg Config) Option {
	return func(c *Config) { *c = cfg }
}

// WithConnectTimeout sets the connect timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithDrainTimeout sets how long stop waits for a final response.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) { c.DrainTimeout = d }
}

// WithJoinTimeout sets how long stop waits for the event loop.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Config) { c.JoinTimeout = d }
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(c *Config) { c.KeepaliveInterval = d }
}

// WithMinChunk sets the minimum append duration.
func WithMinChunk(d time.Duration) Option {
	return func(c *Config) { c.MinChunk = d }
}

// WithHandoffDepth sets the capture handoff capacity.
func WithHandoffDepth(n int) Option {
	return func(c *Config) { c.HandoffDepth = n }
}

// WithAutoResponse requests a response after every VAD-committed turn.
func WithAutoResponse(on bool) Option {
	return func(c *Config) { c.AutoResponse = on }
}

// WithResponseOptions sets the options sent with response.create.
func WithResponseOptions(opts conversation.ResponseOptions) Option {
	return func(c *Config) { c.Response = opts }
}

// WithAudio sets the default device configuration.
func WithAudio(cfg audioio.Config) Option {
	return func(c *Config) { c.Audio = cfg }
}

// WithCallbacks sets the default host callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(c *Config) { c.Callbacks = cb }
}

// WithScheduler sets the callback scheduler. Nil runs callbacks inline on
// the event loop.
func WithScheduler(s Scheduler) Option {
	return func(c *Config) { c.Scheduler = s }
}

// WithDevices replaces the device factory.
func WithDevices(f DeviceFactory) Option {
	return func(c *Config) { c.Devices = f }
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithLatency records per-turn latency into l instead of a private tracker.
func WithLatency(l *metrics.LatencyTracker) Option {
	return func(c *Config) { c.Latency = l }
}

// WithConnOptions passes options to the connection manager.
func WithConnOptions(opts ...conversation.Option) Option {
	return func(c *Config) { c.ConnOptions = append(c.ConnOptions, opts...) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
