package engine

import (
	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

// capture runs on the audio driver's goroutine. It owns the resampler and
// framer until capture stops.
type capture struct {
	e         *Engine
	resampler *pcm.Resampler
	framer    *pcm.Framer
}

func newCapture(e *Engine, deviceRate, wireRate int) *capture {
	return &capture{
		e:         e,
		resampler: pcm.NewResampler(deviceRate, wireRate),
		framer:    pcm.NewFramer(wireRate, e.cfg.MinChunk),
	}
}

// onBlock must never block: full chunks are handed to the loop with a
// non-blocking send and dropped when the loop is behind.
func (c *capture) onBlock(samples []float32) {
	e := c.e
	e.metrics.InputLevel.Set(pcm.RMS(samples))

	if !e.machine.Load().CaptureAllowed() {
		return
	}

	chunk, ok := c.framer.Accumulate(c.resampler.Process(samples))
	if !ok {
		return
	}
	e.captured.Add(1)
	e.metrics.ChunksCaptured.Inc()

	select {
	case e.chunks <- chunk:
	default:
		e.dropped.Add(1)
		e.metrics.ChunksDropped.Inc()
	}
}
