package audioio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-voicestream/pkg/pcm"
)

// OutputQueue is a bounded FIFO of playback blocks. Push never blocks: when
// the queue is full the oldest block is dropped. Safe for concurrent use.
type OutputQueue struct {
	frames int
	depth  int

	mu      sync.Mutex
	blocks  [][]int16
	partial []int16
	queued  int
	ready   chan struct{}

	dropped atomic.Int64
	cleared atomic.Int64
}

// NewOutputQueue creates a queue of at most depth blocks of frames samples.
func NewOutputQueue(frames, depth int) *OutputQueue {
	if frames <= 0 {
		frames = 4800
	}
	if depth <= 0 {
		depth = 1
	}
	return &OutputQueue{
		frames: frames,
		depth:  depth,
		ready:  make(chan struct{}, 1),
	}
}

// Write splits PCM16 bytes into blocks and queues every full block. A short
// tail is held until more audio arrives or Flush is called.
func (q *OutputQueue) Write(data []byte) {
	samples := pcm.BytesToSamples(data)

	q.mu.Lock()
	q.partial = append(q.partial, samples...)
	for len(q.partial) >= q.frames {
		block := make([]int16, q.frames)
		copy(block, q.partial)
		q.partial = q.partial[q.frames:]
		q.pushLocked(block)
	}
	q.mu.Unlock()
	q.signal()
}

// Flush queues any held tail as a short block.
func (q *OutputQueue) Flush() {
	q.mu.Lock()
	if len(q.partial) > 0 {
		block := append([]int16(nil), q.partial...)
		q.partial = q.partial[:0]
		q.pushLocked(block)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *OutputQueue) pushLocked(block []int16) {
	if len(q.blocks) >= q.depth {
		q.queued -= len(q.blocks[0])
		q.blocks[0] = nil
		q.blocks = q.blocks[1:]
		q.dropped.Add(1)
	}
	q.blocks = append(q.blocks, block)
	q.queued += len(block)
}

func (q *OutputQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop returns the oldest block without waiting.
func (q *OutputQueue) TryPop() ([]int16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.blocks) == 0 {
		return nil, false
	}
	block := q.blocks[0]
	q.blocks[0] = nil
	q.blocks = q.blocks[1:]
	q.queued -= len(block)
	return block, true
}

// Pop waits for the oldest full block. A held tail is released after it has
// waited for linger, so the end of a response still plays.
func (q *OutputQueue) Pop(ctx context.Context, linger time.Duration) ([]int16, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if block, ok := q.TryPop(); ok {
			return block, nil
		}

		var lingerC <-chan time.Time
		if q.Len() > 0 {
			if timer == nil {
				timer = time.NewTimer(linger)
			}
			lingerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		case <-lingerC:
			q.Flush()
			timer = nil
		}
	}
}

// Clear discards everything queued and returns the samples dropped.
func (q *OutputQueue) Clear() int {
	q.mu.Lock()
	n := q.queued + len(q.partial)
	q.blocks = nil
	q.partial = nil
	q.queued = 0
	q.mu.Unlock()
	q.cleared.Add(int64(n))
	return n
}

// Len returns the number of samples waiting, including a held tail.
func (q *OutputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued + len(q.partial)
}

// Frames returns the block size in samples.
func (q *OutputQueue) Frames() int {
	return q.frames
}

// Dropped returns the number of blocks dropped on overflow.
func (q *OutputQueue) Dropped() int64 {
	return q.dropped.Load()
}

// Cleared returns the number of samples discarded by Clear.
func (q *OutputQueue) Cleared() int64 {
	return q.cleared.Load()
}
