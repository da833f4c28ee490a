// Package audio owns the capture side of a turn: opening the microphone,
// fanning raw frames out to the detectors, deriving the normalized stream used
// for recording, and reporting device loss.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Format describes the PCM layout every Source delivers. Samples are signed
// 16-bit little endian; the engine only runs mono.
type Format struct {
	SampleRate   int
	Channels     int
	FrameSamples int // samples per frame per channel
}

// DefaultFormat is 16 kHz mono in 20 ms frames, the rate both the recognizer
// and the VAD models expect.
var DefaultFormat = Format{
	SampleRate:   16000,
	Channels:     1,
	FrameSamples: 320,
}

// FrameDuration returns the wall-clock length of one frame.
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.FrameSamples) * time.Second / time.Duration(f.SampleRate)
}

// BytesPerSecond is the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// BytesToInt16 decodes little endian PCM16. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Int16ToBytes encodes samples as little endian PCM16.
func Int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Int16ToFloat32 scales samples into [-1, 1).
func Int16ToFloat32(s []int16) []float32 {
	out := make([]float32, len(s))
	for i, v := range s {
		out[i] = float32(v) / 32768
	}
	return out
}

// RMS returns the root mean square amplitude of the samples, normalized to
// [0, 1]. An empty slice is silent.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Resample converts mono PCM between sample rates with linear interpolation.
func Resample(in []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

// Downmix averages interleaved channels into mono.
func Downmix(in []int16, channels int) []int16 {
	if channels <= 1 {
		return in
	}
	out := make([]int16, len(in)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(in[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func clamp16(f float64) int16 {
	if f > math.MaxInt16 {
		return math.MaxInt16
	}
	if f < math.MinInt16 {
		return math.MinInt16
	}
	return int16(f)
}
