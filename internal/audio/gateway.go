package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Gateway hands out exclusive capture handles against one Source. At most
// one Handle is live at a time; asking for a second is a programming error
// and fails immediately instead of replacing the first.
type Gateway struct {
	source     Source
	format     Format
	compressor CompressorConfig
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	current *Handle
}

func NewGateway(source Source, format Format, compressor CompressorConfig, logger *zap.SugaredLogger) *Gateway {
	return &Gateway{
		source:     source,
		format:     format,
		compressor: compressor,
		logger:     logger,
	}
}

// Format returns the capture format of every handle.
func (g *Gateway) Format() Format { return g.format }

// Acquire opens the device for turnID. Failures are reported as
// ErrPermissionDenied, ErrDeviceUnavailable or ErrHandleOpen.
func (g *Gateway) Acquire(ctx context.Context, turnID string) (*Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil {
		return nil, fmt.Errorf("%w (held by turn %s)", ErrHandleOpen, g.current.turnID)
	}

	stream, err := g.source.Open(ctx, g.format)
	if err != nil {
		if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return nil, err
	}

	h := newHandle(turnID, stream, g.format, NewCompressor(g.compressor, g.format.SampleRate), g.logger)
	h.onRelease = func() {
		g.mu.Lock()
		if g.current == h {
			g.current = nil
		}
		g.mu.Unlock()
	}
	g.current = h
	go h.pump()

	g.logger.Infow("audio: capture handle acquired", "turn_id", turnID)
	return h, nil
}

// Open reports whether a handle is currently live.
func (g *Gateway) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}
