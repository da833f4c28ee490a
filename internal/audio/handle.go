package audio

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const tapDepth = 256

// Handle is exclusive ownership of one capture stream. Raw frames fan out to
// any number of named taps; a single normalized tap carries the compressed
// stream used for recording. Detectors must only read raw taps.
type Handle struct {
	turnID     string
	stream     Stream
	format     Format
	compressor *Compressor
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	taps       map[string]chan []int16
	normalized chan []int16
	lost       chan error
	released   bool
	drops      map[string]int

	done      chan struct{}
	stopped   chan struct{}
	onRelease func()
	once      sync.Once
}

func newHandle(turnID string, stream Stream, format Format, comp *Compressor, logger *zap.SugaredLogger) *Handle {
	return &Handle{
		turnID:     turnID,
		stream:     stream,
		format:     format,
		compressor: comp,
		logger:     logger,
		taps:       make(map[string]chan []int16),
		lost:       make(chan error, 1),
		drops:      make(map[string]int),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (h *Handle) TurnID() string { return h.turnID }

func (h *Handle) Format() Format { return h.format }

// Tap returns a raw frame channel private to name. Calling Tap twice with
// the same name returns the same channel. Taps are closed on Release.
func (h *Handle) Tap(name string) <-chan []int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.taps[name]; ok {
		return ch
	}
	ch := make(chan []int16, tapDepth)
	if h.released {
		close(ch)
		return ch
	}
	h.taps[name] = ch
	return ch
}

// Normalized returns the compressed stream. There is exactly one normalized
// tap per handle.
func (h *Handle) Normalized() <-chan []int16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.normalized == nil {
		h.normalized = make(chan []int16, tapDepth)
		if h.released {
			close(h.normalized)
		}
	}
	return h.normalized
}

// Lost receives a single ErrDeviceLost-wrapped error if the device ends
// while the handle is live. The error is buffered so it is never dropped.
func (h *Handle) Lost() <-chan error { return h.lost }

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release closes the stream and every tap. It is idempotent and safe to
// call from any goroutine.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		close(h.done)
		if err := h.stream.Close(); err != nil {
			h.logger.Warnw("audio: closing capture stream", "turn_id", h.turnID, "error", err)
		}
		<-h.stopped

		h.mu.Lock()
		for _, ch := range h.taps {
			close(ch)
		}
		if h.normalized != nil {
			close(h.normalized)
		}
		h.mu.Unlock()

		if h.onRelease != nil {
			h.onRelease()
		}
		h.logger.Infow("audio: capture handle released", "turn_id", h.turnID)
	})
}

func (h *Handle) pump() {
	defer close(h.stopped)
	frames := h.stream.Frames()
	lost := h.stream.Lost()
	for {
		select {
		case <-h.done:
			return
		case err := <-lost:
			lost = nil
			h.deliverLost(err)
		case frame, ok := <-frames:
			if !ok {
				select {
				case <-h.done:
				default:
					h.deliverLost(ErrDeviceLost)
				}
				return
			}
			h.fanOut(frame)
		}
	}
}

func (h *Handle) fanOut(frame []int16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	for name, ch := range h.taps {
		cp := make([]int16, len(frame))
		copy(cp, frame)
		select {
		case ch <- cp:
		default:
			h.drops[name]++
			if h.drops[name] == 1 {
				h.logger.Warnw("audio: tap behind, dropping frames", "turn_id", h.turnID, "tap", name)
			}
		}
	}
	if h.normalized != nil {
		select {
		case h.normalized <- h.compressor.Process(frame):
		default:
			h.drops["normalized"]++
		}
	}
}

func (h *Handle) deliverLost(err error) {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return
	}
	if !errors.Is(err, ErrDeviceLost) {
		err = fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}
	select {
	case h.lost <- err:
	default:
	}
}
