//go:build silero

package vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"
)

// Silero consumes fixed windows of 512 samples at 16 kHz.
const sileroWindow = 512

// SileroClassifier runs the Silero ONNX model. Capture frames are shorter
// than the model window, so samples are buffered and the last decision is
// reported until the next full window is scored.
type SileroClassifier struct {
	detector *speech.Detector
	buf      []float32
	speaking bool
}

func newSileroClassifier(cfg ClassifierConfig) (FrameClassifier, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("vad: silero classifier needs a model path")
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           rate,
		Threshold:            0.5,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: loading silero model: %w", err)
	}
	return &SileroClassifier{detector: d}, nil
}

func (c *SileroClassifier) SpeechProbability(frame []float32) (float32, error) {
	c.buf = append(c.buf, frame...)
	for len(c.buf) >= sileroWindow {
		segments, err := c.detector.Detect(c.buf[:sileroWindow])
		c.buf = c.buf[sileroWindow:]
		if err != nil {
			return 0, fmt.Errorf("vad: silero detect: %w", err)
		}
		for _, s := range segments {
			c.speaking = s.SpeechEndAt == 0
		}
	}
	if c.speaking {
		return 1, nil
	}
	return 0, nil
}

func (c *SileroClassifier) Reset() error {
	c.buf = c.buf[:0]
	c.speaking = false
	return c.detector.Reset()
}

func (c *SileroClassifier) Close() error {
	return c.detector.Destroy()
}
