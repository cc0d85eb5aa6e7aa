package audioio

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrUnsupportedBackend is returned for a backend not compiled into this binary.
var ErrUnsupportedBackend = errors.New("audioio: unsupported backend")

// Open creates the capture and playback pair for cfg. Both use the same
// backend; on error nothing is left open.
func Open(cfg Config, logger *slog.Logger) (Source, Sink, error) {
	src, err := NewSource(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	sink, err := NewSink(cfg, logger)
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	return src, sink, nil
}

// NewSource creates a capture source. BackendAuto picks portaudio when it
// is compiled in and the mock otherwise.
func NewSource(cfg Config, logger *slog.Logger) (Source, error) {
	backend, logger, err := prepare(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opening capture",
		"backend", backend,
		"device", cfg.InputDevice,
		"sample_rate", cfg.InputSampleRate,
		"block_ms", cfg.CaptureBlock.Milliseconds(),
	)

	switch backend {
	case BackendMock:
		return NewMockSource(cfg, logger), nil
	case BackendPortAudio:
		return newPortAudioSource(cfg, logger)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
}

// NewSink creates a playback sink. Backend selection matches NewSource.
func NewSink(cfg Config, logger *slog.Logger) (Sink, error) {
	backend, logger, err := prepare(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opening playback",
		"backend", backend,
		"device", cfg.OutputDevice,
		"sample_rate", cfg.OutputSampleRate,
		"frames", cfg.PlaybackFrames,
		"queue_depth", cfg.QueueDepth,
	)

	switch backend {
	case BackendMock:
		return NewMockSink(cfg, logger), nil
	case BackendPortAudio:
		return newPortAudioSink(cfg, logger)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
}

func prepare(cfg Config, logger *slog.Logger) (Backend, *slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("audioio: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return resolveBackend(cfg.Backend), logger, nil
}

func resolveBackend(b Backend) Backend {
	if b != BackendAuto && b != "" {
		return b
	}
	if portAudioAvailable {
		return BackendPortAudio
	}
	return BackendMock
}

// AvailableBackends lists the backends compiled into this binary.
func AvailableBackends() []Backend {
	if portAudioAvailable {
		return []Backend{BackendMock, BackendPortAudio}
	}
	return []Backend{BackendMock}
}
