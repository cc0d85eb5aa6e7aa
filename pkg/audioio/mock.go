package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) on a ticker, or
// delivers blocks pushed with Feed.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	cbMu    sync.Mutex
	running bool
	closed  bool
	manual  bool
	fn      CaptureFunc
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Stats
	blocks  atomic.Int64
	samples atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualFeed disables the ticker; audio arrives only through Feed.
func WithManualFeed() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		frequency: 0, // Silence by default
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context, fn CaptureFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.cbMu.Lock()
	m.fn = fn
	m.cbMu.Unlock()

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	if m.manual {
		close(m.doneCh)
	} else {
		go m.generateLoop(ctx, m.stopCh, m.doneCh)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.InputSampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.cfg.CaptureBlock)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.deliver(m.generateBlock())
		}
	}
}

func (m *MockSource) generateBlock() []float32 {
	frames := m.cfg.CaptureFrames()
	samples := make([]float32, frames)

	if m.frequency > 0 {
		for i := range samples {
			samples[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.InputSampleRate)))
			m.phase++
			if m.phase >= float64(m.cfg.InputSampleRate) {
				m.phase = 0
			}
		}
	}
	// else: samples are already zero (silence)

	return samples
}

// Feed delivers samples to the capture callback as if the device produced
// them. It is a no-op while stopped.
func (m *MockSource) Feed(samples []float32) {
	m.deliver(samples)
}

func (m *MockSource) deliver(samples []float32) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if m.fn == nil {
		return
	}
	m.fn(samples)
	m.blocks.Add(1)
	m.samples.Add(int64(len(samples)))
}

// Stop halts audio generation. No callback runs after Stop returns.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.stopCh)
	<-m.doneCh

	m.cbMu.Lock()
	m.fn = nil
	m.cbMu.Unlock()

	m.logger.Info("mock audio source stopped")

	return nil
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		Blocks:  m.blocks.Load(),
		Samples: m.samples.Load(),
		Running: running,
		Backend: "mock",
	}
}

// Ensure MockSource implements Source.
var _ Source = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It drains its queue at device pace and records what it played.
type MockSink struct {
	cfg    Config
	logger *slog.Logger
	queue  *OutputQueue

	mu      sync.Mutex
	running bool
	closed  bool
	instant bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
	played  []int16

	// Stats
	blocksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithInstantPlayback plays blocks without waiting for their duration.
func WithInstantPlayback() MockSinkOption {
	return func(m *MockSink) {
		m.instant = true
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSink{
		cfg:    cfg,
		logger: logger,
		queue:  NewOutputQueue(cfg.PlaybackFrames, cfg.QueueDepth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins draining the queue.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.doneCh = make(chan struct{})
	m.running = true
	go m.playLoop(ctx, m.doneCh)

	m.logger.Info("mock audio sink started")

	return nil
}

func (m *MockSink) playLoop(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	linger := m.cfg.PlaybackBlock()
	if m.instant {
		linger = time.Millisecond
	}
	for {
		block, err := m.queue.Pop(ctx, linger)
		if err != nil {
			return
		}

		m.mu.Lock()
		m.played = append(m.played, block...)
		m.mu.Unlock()
		m.blocksWritten.Add(1)
		m.samplesWritten.Add(int64(len(block)))

		if m.instant || m.cfg.OutputSampleRate <= 0 {
			continue
		}
		d := time.Duration(len(block)) * time.Second / time.Duration(m.cfg.OutputSampleRate)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
}

// Stop halts playback and discards queued audio.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
	m.queue.Clear()
	m.logger.Info("mock audio sink stopped")

	return nil
}

// Write queues audio.
func (m *MockSink) Write(pcm []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return io.ErrClosedPipe
	}
	m.queue.Write(pcm)
	return nil
}

// Clear discards queued audio.
func (m *MockSink) Clear() int {
	n := m.queue.Clear()
	m.logger.Debug("mock audio sink cleared", "samples", n)
	return n
}

// Played returns a copy of every sample played so far.
func (m *MockSink) Played() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int16(nil), m.played...)
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SinkStats{
		BlocksWritten:  m.blocksWritten.Load(),
		SamplesWritten: m.samplesWritten.Load(),
		Dropped:        m.queue.Dropped(),
		Cleared:        m.queue.Cleared(),
		Running:        running,
		Backend:        "mock",
		QueuedSamples:  int64(m.queue.Len()),
	}
}

// Ensure MockSink implements Sink.
var _ Sink = (*MockSink)(nil)
