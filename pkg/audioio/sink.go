package audioio

import (
	"context"
	"io"
)

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start begins audio playback.
	// After calling Start, audio can be written via Write.
	Start(ctx context.Context) error

	// Stop halts audio playback and discards anything queued.
	// It is safe to call Stop multiple times.
	Stop() error

	// Write queues PCM16 little-endian mono audio at the output rate. It
	// never blocks; when the queue is full the oldest block is dropped.
	Write(pcm []byte) error

	// Clear discards all queued audio immediately and returns the number of
	// samples dropped. Use this to interrupt playback (e.g., when user speaks).
	Clear() int

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Stats returns playback statistics.
	Stats() SinkStats

	// Close releases all resources.
	// After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// BlocksWritten is the total number of blocks handed to the device.
	BlocksWritten int64 `json:"blocks_written"`

	// SamplesWritten is the total number of samples handed to the device.
	SamplesWritten int64 `json:"samples_written"`

	// Dropped is the number of blocks dropped because the queue was full.
	Dropped int64 `json:"dropped"`

	// Cleared is the number of samples discarded by Clear.
	Cleared int64 `json:"cleared"`

	// Underflows is the number of output underflows reported by the device.
	Underflows int64 `json:"underflows"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`

	// QueuedSamples is the number of samples waiting to be played.
	QueuedSamples int64 `json:"queued_samples"`
}
