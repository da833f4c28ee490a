package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/zaf/g711"
)

// Encoding is the wire encoding of audio pushed by a remote client.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16" // little endian, Format.SampleRate
	EncodingMulaw Encoding = "mulaw" // G.711 μ-law, 8 kHz
)

// PushSource is a Source fed by a network client (the interview websocket).
// The client stays connected across turns; each turn opens a fresh stream.
type PushSource struct {
	mu       sync.Mutex
	encoding Encoding
	rate     int
	current  *frameStream
	format   Format
	gone     error
}

// NewPushSource creates a source for audio arriving as encoding at rate Hz.
func NewPushSource(encoding Encoding, rate int) *PushSource {
	if encoding == EncodingMulaw && rate == 0 {
		rate = 8000
	}
	return &PushSource{encoding: encoding, rate: rate}
}

func (p *PushSource) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, p.gone)
	}
	st := newFrameStream(f, 512)
	st.onClose = func() {
		p.mu.Lock()
		if p.current == st {
			p.current = nil
		}
		p.mu.Unlock()
	}
	p.current = st
	p.format = f
	return st, nil
}

// Write decodes one payload from the client and pushes it into the open
// stream. Payloads that arrive between turns are discarded.
func (p *PushSource) Write(payload []byte) error {
	p.mu.Lock()
	st := p.current
	f := p.format
	p.mu.Unlock()
	if st == nil || len(payload) == 0 {
		return nil
	}

	var samples []int16
	switch p.encoding {
	case EncodingMulaw:
		samples = BytesToInt16(g711.DecodeUlaw(payload))
	case EncodingPCM16, "":
		samples = BytesToInt16(payload)
	default:
		return fmt.Errorf("audio: unsupported encoding %q", p.encoding)
	}

	rate := p.rate
	if rate == 0 {
		rate = f.SampleRate
	}
	if rate != f.SampleRate {
		samples = Resample(samples, rate, f.SampleRate)
	}
	st.push(samples)
	return nil
}

// Disconnect marks the client as gone. The open stream, if any, reports
// device loss and later Opens fail.
func (p *PushSource) Disconnect(err error) {
	if err == nil {
		err = ErrDeviceLost
	}
	p.mu.Lock()
	p.gone = err
	st := p.current
	p.mu.Unlock()
	if st != nil {
		st.lose(fmt.Errorf("%w: %v", ErrDeviceLost, err))
	}
}
