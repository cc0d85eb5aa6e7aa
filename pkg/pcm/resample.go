// Package pcm converts captured float32 audio into the 16-bit linear PCM
// frames carried on the wire, and batches them into send-sized chunks.
package pcm

import (
	"encoding/binary"
	"math"
)

// Resampler converts float32 blocks at SourceRate into PCM16 little-endian
// bytes at TargetRate.
type Resampler struct {
	SourceRate int
	TargetRate int
}

// NewResampler creates a resampler for the given rates.
func NewResampler(sourceRate, targetRate int) *Resampler {
	return &Resampler{SourceRate: sourceRate, TargetRate: targetRate}
}

// Process resamples and encodes one block.
func (r *Resampler) Process(samples []float32) []byte {
	return Process(samples, r.SourceRate, r.TargetRate)
}

// Process resamples samples from sourceRate to targetRate using linear
// interpolation, clips to the int16 range and encodes little-endian PCM16.
// Equal rates copy each sample without interpolating.
// The output holds round(len(samples)*targetRate/sourceRate) samples.
func Process(samples []float32, sourceRate, targetRate int) []byte {
	if sourceRate == targetRate || sourceRate <= 0 || targetRate <= 0 {
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(Float32ToInt16(s)))
		}
		return out
	}

	n := OutputLength(len(samples), sourceRate, targetRate)
	out := make([]byte, n*2)
	if n == 0 {
		return out
	}

	last := len(samples) - 1
	step := float64(len(samples)) / float64(n)
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		idx := int(pos)

		var v float64
		if idx >= last {
			v = float64(samples[last])
		} else {
			frac := pos - float64(idx)
			s1 := float64(samples[idx])
			s2 := float64(samples[idx+1])
			v = s1 + frac*(s2-s1)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip(v)))
	}
	return out
}

// OutputLength returns the number of samples Process produces for n input
// samples.
func OutputLength(n, sourceRate, targetRate int) int {
	if sourceRate == targetRate || sourceRate <= 0 || targetRate <= 0 {
		return n
	}
	return int(math.Round(float64(n) * float64(targetRate) / float64(sourceRate)))
}

// Float32ToInt16 scales a [-1, 1] sample to int16 with clipping.
func Float32ToInt16(s float32) int16 {
	return clip(float64(s))
}

func clip(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	v *= 32767
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ResampleInt16 converts int16 audio between rates using linear interpolation.
// Used on the playback side when the device rate differs from the wire rate.
func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	newLen := OutputLength(len(samples), fromRate, toRate)
	if newLen == 0 {
		return []int16{}
	}

	ratio := float64(len(samples)) / float64(newLen)
	result := make([]int16, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= len(samples)-1 {
			result[i] = samples[len(samples)-1]
		} else {
			s1 := float64(samples[srcIdx])
			s2 := float64(samples[srcIdx+1])
			result[i] = int16(s1 + frac*(s2-s1))
		}
	}

	return result
}

// Downmix averages interleaved multi-channel float32 frames to mono.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	mono := make([]float32, len(samples)/channels)
	for i := range mono {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
