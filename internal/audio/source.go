package audio

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPermissionDenied means the platform refused access to the microphone.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("audio: capture device unavailable")
	// ErrDeviceLost is delivered when an open capture stream ends on its own.
	ErrDeviceLost = errors.New("audio: capture device lost")
	// ErrHandleOpen is returned by Acquire while another handle is still live.
	ErrHandleOpen = errors.New("audio: a capture handle is already open")
)

// Stream is one open capture session against a device.
type Stream interface {
	// Frames delivers raw frames of Format.FrameSamples samples. The channel
	// is closed after Close.
	Frames() <-chan []int16
	// Lost receives at most one error when the device goes away without
	// Close having been called.
	Lost() <-chan error
	Close() error
}

// Source opens capture streams. Implementations must allow a new Open once
// the previous stream has been closed.
type Source interface {
	Open(ctx context.Context, f Format) (Stream, error)
}

// frameStream is the Stream implementation shared by every Source. Producers
// push samples of any length; they are re-cut into fixed frames.
type frameStream struct {
	mu           sync.Mutex
	frameSamples int
	pending      []int16
	frames       chan []int16
	lost         chan error
	closed       bool
	lostOnce     sync.Once
	onClose      func()
}

func newFrameStream(f Format, depth int) *frameStream {
	size := f.FrameSamples * f.Channels
	if size <= 0 {
		size = DefaultFormat.FrameSamples
	}
	return &frameStream{
		frameSamples: size,
		frames:       make(chan []int16, depth),
		lost:         make(chan error, 1),
	}
}

func (s *frameStream) Frames() <-chan []int16 { return s.frames }

func (s *frameStream) Lost() <-chan error { return s.lost }

// push appends samples and emits every complete frame. Frames are dropped
// when the consumer falls behind by more than the channel depth; capture
// must never block the device callback.
func (s *frameStream) push(samples []int16) (dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.frameSamples {
		frame := make([]int16, s.frameSamples)
		copy(frame, s.pending[:s.frameSamples])
		s.pending = s.pending[s.frameSamples:]
		select {
		case s.frames <- frame:
		default:
			dropped++
		}
	}
	return dropped
}

// lose reports device loss once. It is a no-op after Close.
func (s *frameStream) lose(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err == nil {
		err = ErrDeviceLost
	}
	s.lostOnce.Do(func() {
		s.lost <- err
	})
}

func (s *frameStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *frameStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.frames)
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}
