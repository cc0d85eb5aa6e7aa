package audioio

import (
	"context"
	"io"
)

// CaptureFunc receives one block of mono float32 samples in [-1, 1] at the
// configured input rate. It runs on the capture thread, must not block, and
// must not retain samples after returning.
type CaptureFunc func(samples []float32)

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins audio capture, delivering blocks to fn until Stop.
	Start(ctx context.Context, fn CaptureFunc) error

	// Stop halts audio capture. No callback runs after Stop returns.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Stats returns capture statistics.
	Stats() SourceStats

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// Blocks is the total number of blocks delivered.
	Blocks int64 `json:"blocks"`

	// Samples is the total number of mono samples delivered.
	Samples int64 `json:"samples"`

	// Overflows is the number of input overflows reported by the device.
	Overflows int64 `json:"overflows"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}
