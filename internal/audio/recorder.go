package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	wavPCMFormat     = 1
	wavBitsPerSample = 16
)

// Recorder collects the normalized stream of a turn so it can be handed to
// the batch transcriber once capture stops.
type Recorder struct {
	format Format
	mu     sync.Mutex
	pcm    []int16
}

func NewRecorder(f Format) *Recorder {
	return &Recorder{format: f}
}

// Run appends frames until the channel closes or ctx ends.
func (r *Recorder) Run(ctx context.Context, frames <-chan []int16) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			r.mu.Lock()
			r.pcm = append(r.pcm, frame...)
			r.mu.Unlock()
		}
	}
}

// Seconds is the recorded duration.
func (r *Recorder) Seconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.format.SampleRate == 0 {
		return 0
	}
	return float64(len(r.pcm)) / float64(r.format.SampleRate*max(r.format.Channels, 1))
}

// WAV renders everything recorded so far as a 16-bit PCM WAV file.
func (r *Recorder) WAV() ([]byte, error) {
	r.mu.Lock()
	pcm := Int16ToBytes(r.pcm)
	r.mu.Unlock()
	if len(pcm) == 0 {
		return nil, errors.New("audio: nothing recorded")
	}
	return EncodeWAV(pcm, r.format), nil
}

// EncodeWAV wraps little endian PCM16 in a RIFF header.
func EncodeWAV(pcm []byte, f Format) []byte {
	var buf bytes.Buffer
	channels := max(f.Channels, 1)
	byteRate := f.SampleRate * channels * 2

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(wavBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// DecodeWAV extracts mono PCM16 samples and the sample rate from a RIFF
// file. Multi-channel audio is downmixed; only 16-bit PCM is accepted.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, errors.New("audio: not a RIFF/WAVE file")
	}
	var (
		channels   int
		sampleRate int
		bits       int
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if body+16 > len(data) {
				return nil, 0, errors.New("audio: truncated fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != wavPCMFormat {
				return nil, 0, fmt.Errorf("audio: unsupported wav format %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
		case "data":
			if bits != wavBitsPerSample {
				return nil, 0, fmt.Errorf("audio: unsupported bit depth %d", bits)
			}
			end := body + size
			// Streamed WAVs (espeak --stdout) carry a placeholder size.
			if end > len(data) || size == 0 {
				end = len(data)
			}
			return Downmix(BytesToInt16(data[body:end]), channels), sampleRate, nil
		}
		pos = body + size + size%2
	}
	return nil, 0, errors.New("audio: wav has no data chunk")
}
