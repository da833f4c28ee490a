// Package vad turns raw capture frames into speech-start and speech-end
// events. It never decides whether a turn is over.
package vad

import (
	"errors"
	"math"
)

// FrameClassifier scores one frame of mono float32 samples in [-1, 1] with a
// speech probability in [0, 1].
type FrameClassifier interface {
	SpeechProbability(frame []float32) (float32, error)
	Reset() error
	Close() error
}

// Factory builds a fresh classifier for one turn.
type Factory func() (FrameClassifier, error)

// ErrUnsupported is returned by NewClassifier for a kind this binary was
// built without.
var ErrUnsupported = errors.New("vad: classifier not supported by this build")

// ClassifierConfig selects and tunes a classifier.
type ClassifierConfig struct {
	Kind       string // "energy" or "silero"
	ModelPath  string
	SampleRate int
	// Energy classifier mapping, in dBFS. Below FloorDB the probability is 0,
	// above CeilingDB it is 1.
	FloorDB   float64
	CeilingDB float64
}

var DefaultClassifierConfig = ClassifierConfig{
	Kind:       "energy",
	SampleRate: 16000,
	FloorDB:    -50,
	CeilingDB:  -30,
}

// EnergyClassifier maps frame loudness onto a probability. It has no model
// and no state, so it works everywhere but is fooled by steady noise.
type EnergyClassifier struct {
	floor   float64
	ceiling float64
}

func NewEnergyClassifier(floorDB, ceilingDB float64) *EnergyClassifier {
	if ceilingDB <= floorDB {
		ceilingDB = floorDB + 1
	}
	return &EnergyClassifier{floor: floorDB, ceiling: ceilingDB}
}

func (c *EnergyClassifier) SpeechProbability(frame []float32) (float32, error) {
	if len(frame) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range frame {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return 0, nil
	}
	db := 20 * math.Log10(rms)
	p := (db - c.floor) / (c.ceiling - c.floor)
	return float32(math.Max(0, math.Min(1, p))), nil
}

func (c *EnergyClassifier) Reset() error { return nil }

func (c *EnergyClassifier) Close() error { return nil }

// NewFactory returns a Factory for cfg. Unknown kinds fail at call time.
func NewFactory(cfg ClassifierConfig) Factory {
	return func() (FrameClassifier, error) {
		return NewClassifier(cfg)
	}
}

// NewClassifier builds the classifier named by cfg.Kind.
func NewClassifier(cfg ClassifierConfig) (FrameClassifier, error) {
	switch cfg.Kind {
	case "", "energy":
		return NewEnergyClassifier(cfg.FloorDB, cfg.CeilingDB), nil
	case "silero":
		return newSileroClassifier(cfg)
	default:
		return nil, errors.New("vad: unknown classifier " + cfg.Kind)
	}
}
