//go:build portaudio

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

const portAudioAvailable = true

// findDevice returns the device whose name matches, or nil.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			if d.Name != name {
				continue
			}
			if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
				return d, nil
			}
		}
		return nil, fmt.Errorf("device %q not found", name)
	}
	if input {
		return portaudio.DefaultInputDevice()
	}
	return portaudio.DefaultOutputDevice()
}

// PortAudioSource captures audio with a PortAudio callback stream.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	running bool
	closed  bool

	// Stats
	blocks    atomic.Int64
	samples   atomic.Int64
	overflows atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudioSource{cfg: cfg, logger: logger}, nil
}

// Start opens the input device and begins delivering blocks to fn.
func (s *PortAudioSource) Start(ctx context.Context, fn CaptureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	dev, err := findDevice(s.cfg.InputDevice, true)
	if err != nil {
		return fmt.Errorf("audio: no input device: %w", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = s.cfg.Channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(s.cfg.InputSampleRate)
	params.FramesPerBuffer = s.cfg.CaptureFrames()

	channels := s.cfg.Channels
	callback := func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			s.overflows.Add(1)
		}
		mono := pcm.Downmix(in, channels)
		fn(mono)
		s.blocks.Add(1)
		s.samples.Add(int64(len(mono)))
	}

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("portaudio capture started",
		"device", dev.Name,
		"sample_rate", s.cfg.InputSampleRate,
		"frames", params.FramesPerBuffer,
	)
	return nil
}

// Stop stops the stream. Pa_StopStream waits for the callback to return.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	s.logger.Info("portaudio capture stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return string(BackendPortAudio) }

// Stats returns capture statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		Blocks:    s.blocks.Load(),
		Samples:   s.samples.Load(),
		Overflows: s.overflows.Load(),
		Running:   running,
		Backend:   s.Name(),
	}
}

// Close stops capture and releases PortAudio.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

// PortAudioSink plays queued audio through a blocking PortAudio stream.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger
	queue  *OutputQueue

	mu      sync.Mutex
	stream  *portaudio.Stream
	buffer  []int16
	running bool
	closed  bool
	cancel  context.CancelFunc
	doneCh  chan struct{}

	// Stats
	blocksWritten  atomic.Int64
	samplesWritten atomic.Int64
	underflows     atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudioSink{
		cfg:    cfg,
		logger: logger,
		queue:  NewOutputQueue(cfg.PlaybackFrames, cfg.QueueDepth),
	}, nil
}

// Start opens the output device and begins draining the queue.
func (s *PortAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	dev, err := findDevice(s.cfg.OutputDevice, false)
	if err != nil {
		return fmt.Errorf("audio: no output device: %w", err)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = 1
	params.SampleRate = float64(s.cfg.OutputSampleRate)
	params.FramesPerBuffer = s.cfg.PlaybackFrames

	s.buffer = make([]int16, s.cfg.PlaybackFrames)
	stream, err := portaudio.OpenStream(params, &s.buffer)
	if err != nil {
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.doneCh = make(chan struct{})
	s.stream = stream
	s.running = true
	go s.playLoop(ctx, stream, s.doneCh)

	s.logger.Info("portaudio playback started",
		"device", dev.Name,
		"sample_rate", s.cfg.OutputSampleRate,
		"frames", s.cfg.PlaybackFrames,
	)
	return nil
}

func (s *PortAudioSink) playLoop(ctx context.Context, stream *portaudio.Stream, doneCh chan struct{}) {
	defer close(doneCh)

	linger := s.cfg.PlaybackBlock()
	for {
		block, err := s.queue.Pop(ctx, linger)
		if err != nil {
			return
		}
		n := copy(s.buffer, block)
		clear(s.buffer[n:])

		if err := stream.Write(); err != nil {
			if err == portaudio.OutputUnderflowed {
				s.underflows.Add(1)
			} else {
				s.logger.Warn("playback write failed", "error", err)
				return
			}
		}
		s.blocksWritten.Add(1)
		s.samplesWritten.Add(int64(len(block)))
	}
}

// Stop halts playback and discards queued audio.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	doneCh := s.doneCh
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	<-doneCh
	s.queue.Clear()

	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	s.logger.Info("portaudio playback stopped")
	return err
}

// Write queues audio for playback.
func (s *PortAudioSink) Write(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	s.queue.Write(data)
	return nil
}

// Clear discards queued audio. The block being written finishes playing.
func (s *PortAudioSink) Clear() int {
	return s.queue.Clear()
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return string(BackendPortAudio) }

// Stats returns playback statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SinkStats{
		BlocksWritten:  s.blocksWritten.Load(),
		SamplesWritten: s.samplesWritten.Load(),
		Dropped:        s.queue.Dropped(),
		Cleared:        s.queue.Cleared(),
		Underflows:     s.underflows.Load(),
		Running:        running,
		Backend:        s.Name(),
		QueuedSamples:  int64(s.queue.Len()),
	}
}

// Close stops playback and releases PortAudio.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
