//go:build !cgo

package audio

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// MalgoSource needs cgo; without it every Open reports an unavailable device.
type MalgoSource struct {
	logger *zap.SugaredLogger
}

func NewMalgoSource(logger *zap.SugaredLogger) *MalgoSource {
	return &MalgoSource{logger: logger}
}

func (m *MalgoSource) Open(ctx context.Context, f Format) (Stream, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrDeviceUnavailable)
}

func CaptureDevices() ([]string, error) {
	return nil, fmt.Errorf("%w: built without cgo", ErrDeviceUnavailable)
}
