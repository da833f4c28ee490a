//go:build cgo

package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoSource captures from the default system microphone through miniaudio.
type MalgoSource struct {
	logger *zap.SugaredLogger
}

func NewMalgoSource(logger *zap.SugaredLogger) *MalgoSource {
	return &MalgoSource{logger: logger}
}

type malgoStream struct {
	*frameStream
	ctx       *malgo.AllocatedContext
	device    *malgo.Device
	mu        sync.Mutex
	stopping  bool
	channels  int
	logger    *zap.SugaredLogger
	dropWarns int
}

func (m *MalgoSource) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}

	st := &malgoStream{
		frameStream: newFrameStream(f, 256),
		ctx:         mctx,
		channels:    f.Channels,
		logger:      m.logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(f.FrameDuration().Milliseconds())

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: st.onData,
		Stop: st.onStop,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, classifyDeviceError(err)
	}
	st.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, classifyDeviceError(err)
	}

	st.onClose = st.shutdown
	m.logger.Infow("audio: microphone opened", "sample_rate", f.SampleRate, "channels", f.Channels)
	return st, nil
}

func (s *malgoStream) onData(_, input []byte, _ uint32) {
	samples := BytesToInt16(input)
	if s.channels > 1 {
		samples = Downmix(samples, s.channels)
	}
	if dropped := s.push(samples); dropped > 0 && s.dropWarns < 3 {
		s.dropWarns++
		s.logger.Warnw("audio: capture consumer behind, dropped frames", "dropped", dropped)
	}
}

// onStop runs on miniaudio's thread whenever the device stops, including
// our own shutdown.
func (s *malgoStream) onStop() {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if !stopping {
		s.lose(ErrDeviceLost)
	}
}

func (s *malgoStream) shutdown() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
	}
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// CaptureDevices lists the names of the microphones miniaudio can see.
func CaptureDevices() ([]string, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", ErrDeviceUnavailable, err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, classifyDeviceError(err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDefault != 0 {
			name += " (default)"
		}
		names = append(names, name)
	}
	return names, nil
}
