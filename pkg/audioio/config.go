// Package audioio provides audio capture and playback for realtime voice.
//
// This package supports multiple backends:
//   - PortAudio - cross-platform hardware I/O (build with -tags portaudio)
//   - Mock - CI/Testing without hardware
//
// Capture is callback driven: the backend hands each captured block to a
// CaptureFunc on its own thread. Playback is fed through a bounded OutputQueue
// drained by the backend at device pace.
package audioio

import (
	"errors"
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// ErrBackendUnavailable is returned when a backend was not compiled in.
var ErrBackendUnavailable = errors.New("audioio: backend unavailable in this build")

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto" (portaudio when compiled in, otherwise mock)
	Backend Backend `yaml:"backend" json:"backend"`

	// InputSampleRate is the capture rate in Hz.
	// Default: 48000
	InputSampleRate int `yaml:"input_sample_rate" json:"input_sample_rate"`

	// OutputSampleRate is the playback rate in Hz.
	// Default: 24000 (the realtime API's PCM16 rate)
	OutputSampleRate int `yaml:"output_sample_rate" json:"output_sample_rate"`

	// Channels is the number of capture channels. Capture is downmixed to
	// mono before delivery; playback is always mono.
	// Default: 1
	Channels int `yaml:"channels" json:"channels"`

	// CaptureBlock is the capture callback period.
	// Default: 20ms
	CaptureBlock time.Duration `yaml:"capture_block" json:"capture_block"`

	// PlaybackFrames is the number of samples per device write.
	// Default: 4800 (200ms at 24kHz)
	PlaybackFrames int `yaml:"playback_frames" json:"playback_frames"`

	// QueueDepth is the maximum number of playback blocks queued before the
	// oldest is dropped.
	// Default: 50
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// InputDevice and OutputDevice name devices; empty selects the default.
	InputDevice  string `yaml:"input_device" json:"input_device"`
	OutputDevice string `yaml:"output_device" json:"output_device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendAuto,
		InputSampleRate:  48000,
		OutputSampleRate: 24000,
		Channels:         1,
		CaptureBlock:     20 * time.Millisecond,
		PlaybackFrames:   4800,
		QueueDepth:       50,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.InputSampleRate <= 0 {
		return fmt.Errorf("input_sample_rate must be positive, got %d", c.InputSampleRate)
	}
	if c.OutputSampleRate <= 0 {
		return fmt.Errorf("output_sample_rate must be positive, got %d", c.OutputSampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.CaptureBlock <= 0 {
		return fmt.Errorf("capture_block must be positive, got %v", c.CaptureBlock)
	}
	if c.PlaybackFrames <= 0 {
		return fmt.Errorf("playback_frames must be positive, got %d", c.PlaybackFrames)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	return nil
}

// CaptureFrames returns the number of frames per capture callback.
func (c *Config) CaptureFrames() int {
	return int(float64(c.InputSampleRate) * c.CaptureBlock.Seconds())
}

// PlaybackBlock returns the duration of one playback write.
func (c *Config) PlaybackBlock() time.Duration {
	if c.OutputSampleRate <= 0 {
		return 0
	}
	return time.Duration(c.PlaybackFrames) * time.Second / time.Duration(c.OutputSampleRate)
}
