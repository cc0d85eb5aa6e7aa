package pcm

import "time"

// DefaultMinChunk is the smallest amount of audio sent in one append.
const DefaultMinChunk = 75 * time.Millisecond

// Chunk is a contiguous run of PCM16 mono bytes at the wire sample rate.
type Chunk struct {
	// Seq increases by one for every chunk a Framer emits.
	Seq uint64

	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate is the rate of Data in Hz.
	SampleRate int
}

// Duration returns the playing time of the chunk.
func (c Chunk) Duration() time.Duration {
	return BytesDuration(len(c.Data), c.SampleRate)
}

// BytesDuration returns the duration of n PCM16 mono bytes at rate.
func BytesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n/2) * int64(time.Second) / int64(rate))
}

// Framer batches small PCM16 blocks into chunks of at least a minimum
// duration. It is not safe for concurrent use; the capture goroutine owns it.
type Framer struct {
	rate int
	min  time.Duration
	buf  []byte
	seq  uint64
}

// NewFramer creates a framer for targetRate PCM16 mono emitting chunks of at
// least minDuration. A non-positive minDuration uses DefaultMinChunk.
func NewFramer(targetRate int, minDuration time.Duration) *Framer {
	if minDuration <= 0 {
		minDuration = DefaultMinChunk
	}
	return &Framer{
		rate: targetRate,
		min:  minDuration,
		buf:  make([]byte, 0, minBytes(targetRate, minDuration)+1024),
	}
}

// Accumulate appends b and returns the whole buffer once it holds at least
// the minimum duration. The buffer is cleared on return.
func (f *Framer) Accumulate(b []byte) (Chunk, bool) {
	f.buf = append(f.buf, b...)
	if !f.ready() {
		return Chunk{}, false
	}
	return f.take(), true
}

// Flush returns whatever is buffered, regardless of duration.
func (f *Framer) Flush() (Chunk, bool) {
	if len(f.buf) == 0 {
		return Chunk{}, false
	}
	return f.take(), true
}

// Buffered returns the duration currently held.
func (f *Framer) Buffered() time.Duration {
	return BytesDuration(len(f.buf), f.rate)
}

// Reset drops buffered audio. Sequence numbers keep increasing.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

// MinDuration returns the configured threshold.
func (f *Framer) MinDuration() time.Duration {
	return f.min
}

// ready reports len/2/rate >= min without floating point.
func (f *Framer) ready() bool {
	if f.rate <= 0 {
		return len(f.buf) > 0
	}
	return int64(len(f.buf))*int64(time.Second) >= 2*int64(f.rate)*int64(f.min)
}

func (f *Framer) take() Chunk {
	data := f.buf
	f.buf = make([]byte, 0, cap(data))
	f.seq++
	return Chunk{Seq: f.seq, Data: data, SampleRate: f.rate}
}

func minBytes(rate int, d time.Duration) int {
	return int(2 * int64(rate) * int64(d) / int64(time.Second))
}
