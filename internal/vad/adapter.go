package vad

import (
	"context"

	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

// Adapter feeds raw frames through a classifier and detector. It owns the
// classifier and closes it when Run returns.
type Adapter struct {
	classifier FrameClassifier
	detector   *Detector
	logger     *zap.SugaredLogger
}

func NewAdapter(classifier FrameClassifier, cfg Config, format audio.Format, logger *zap.SugaredLogger) *Adapter {
	return &Adapter{
		classifier: classifier,
		detector:   NewDetector(cfg, format.FrameDuration()),
		logger:     logger,
	}
}

// Run blocks until frames closes or ctx ends. emit is called from Run's
// goroutine in frame order.
func (a *Adapter) Run(ctx context.Context, frames <-chan []int16, emit func(Event)) error {
	defer func() {
		if err := a.classifier.Close(); err != nil {
			a.logger.Warnw("vad: closing classifier", "error", err)
		}
	}()
	if err := a.classifier.Reset(); err != nil {
		return err
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p, err := a.classifier.SpeechProbability(audio.Int16ToFloat32(frame))
			if err != nil {
				failures++
				if failures == 1 {
					a.logger.Warnw("vad: classifier failed, treating frame as non-speech", "error", err)
				}
				p = 0
			}
			if ev, ok := a.detector.Process(p); ok {
				a.logger.Debugw("vad: edge", "type", ev.Type.String(), "at", ev.At)
				emit(ev)
			}
		}
	}
}
