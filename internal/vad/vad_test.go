package vad

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

func feed(d *Detector, probs ...float32) []Event {
	var out []Event
	for _, p := range probs {
		if ev, ok := d.Process(p); ok {
			out = append(out, ev)
		}
	}
	return out
}

func repeat(p float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestDetector_ShortBurstDoesNotStartSpeech(t *testing.T) {
	d := NewDetector(DefaultConfig, 20*time.Millisecond)
	probs := append(repeat(0.9, DefaultConfig.MinSpeechFrames-1), repeat(0.1, 5)...)
	assert.Empty(t, feed(d, probs...))
	assert.False(t, d.Speaking())
}

func TestDetector_StartIsPadded(t *testing.T) {
	d := NewDetector(DefaultConfig, 20*time.Millisecond)
	probs := append(repeat(0, 20), repeat(0.9, DefaultConfig.MinSpeechFrames)...)
	events := feed(d, probs...)
	require.Len(t, events, 1)
	assert.Equal(t, SpeechStart, events[0].Type)
	assert.Equal(t, 10*20*time.Millisecond, events[0].At)
}

func TestDetector_BreathPauseIsRedeemed(t *testing.T) {
	d := NewDetector(DefaultConfig, 20*time.Millisecond)
	probs := repeat(0.9, 10)
	probs = append(probs, repeat(0.1, DefaultConfig.RedemptionFrames-1)...)
	probs = append(probs, repeat(0.9, 3)...)
	probs = append(probs, repeat(0.1, DefaultConfig.RedemptionFrames-1)...)

	events := feed(d, probs...)
	require.Len(t, events, 1)
	assert.True(t, d.Speaking())

	events = feed(d, 0.1)
	require.Len(t, events, 1)
	assert.Equal(t, SpeechEnd, events[0].Type)
}

func TestDetector_BetweenThresholdsHolds(t *testing.T) {
	d := NewDetector(DefaultConfig, 20*time.Millisecond)
	feed(d, repeat(0.9, 5)...)
	require.True(t, d.Speaking())
	assert.Empty(t, feed(d, repeat(0.4, 100)...))
	assert.True(t, d.Speaking())
}

func TestEnergyClassifier(t *testing.T) {
	c := NewEnergyClassifier(-50, -30)

	p, err := c.SpeechProbability(make([]float32, 320))
	require.NoError(t, err)
	assert.Zero(t, p)

	loud := make([]float32, 320)
	for i := range loud {
		loud[i] = 0.5
	}
	p, err = c.SpeechProbability(loud)
	require.NoError(t, err)
	assert.Equal(t, float32(1), p)
}

func TestNewClassifier_UnknownKind(t *testing.T) {
	_, err := NewClassifier(ClassifierConfig{Kind: "webrtc"})
	assert.Error(t, err)
}

type scriptedClassifier struct {
	probs  []float32
	i      int
	closed bool
	fail   bool
}

func (s *scriptedClassifier) SpeechProbability([]float32) (float32, error) {
	if s.fail {
		return 0, errors.New("boom")
	}
	if s.i >= len(s.probs) {
		return 0, nil
	}
	p := s.probs[s.i]
	s.i++
	return p, nil
}

func (s *scriptedClassifier) Reset() error { return nil }

func (s *scriptedClassifier) Close() error {
	s.closed = true
	return nil
}

func TestAdapter_EmitsEdgesAndClosesClassifier(t *testing.T) {
	probs := append(repeat(0.9, 5), repeat(0, 30)...)
	c := &scriptedClassifier{probs: probs}
	a := NewAdapter(c, DefaultConfig, audio.DefaultFormat, zap.NewNop().Sugar())

	frames := make(chan []int16, len(probs))
	for range probs {
		frames <- make([]int16, 320)
	}
	close(frames)

	var events []EventType
	require.NoError(t, a.Run(context.Background(), frames, func(ev Event) {
		events = append(events, ev.Type)
	}))
	assert.Equal(t, []EventType{SpeechStart, SpeechEnd}, events)
	assert.True(t, c.closed)
}

func TestAdapter_ClassifierErrorsAreSilence(t *testing.T) {
	c := &scriptedClassifier{fail: true}
	a := NewAdapter(c, DefaultConfig, audio.DefaultFormat, zap.NewNop().Sugar())

	frames := make(chan []int16, 10)
	for i := 0; i < 10; i++ {
		frames <- make([]int16, 320)
	}
	close(frames)

	called := false
	require.NoError(t, a.Run(context.Background(), frames, func(Event) { called = true }))
	assert.False(t, called)
}
