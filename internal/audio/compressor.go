package audio

import (
	"math"
	"time"
)

// CompressorConfig configures the dynamic range compressor that produces the
// normalized recording stream.
type CompressorConfig struct {
	ThresholdDB  float64
	Ratio        float64
	Attack       time.Duration
	Release      time.Duration
	MakeupGainDB float64
}

// DefaultCompressorConfig suits close-talking laptop microphones.
var DefaultCompressorConfig = CompressorConfig{
	ThresholdDB:  -24,
	Ratio:        4,
	Attack:       5 * time.Millisecond,
	Release:      120 * time.Millisecond,
	MakeupGainDB: 9,
}

// Compressor is a feed-forward peak compressor with makeup gain. It keeps
// envelope state between calls and is not safe for concurrent use.
type Compressor struct {
	thresholdDB float64
	ratio       float64
	attack      float64
	release     float64
	makeup      float64
	env         float64
}

func NewCompressor(cfg CompressorConfig, sampleRate int) *Compressor {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	return &Compressor{
		thresholdDB: cfg.ThresholdDB,
		ratio:       cfg.Ratio,
		attack:      timeCoefficient(cfg.Attack, sampleRate),
		release:     timeCoefficient(cfg.Release, sampleRate),
		makeup:      dbToLinear(cfg.MakeupGainDB),
	}
}

// Process returns a compressed copy of the frame.
func (c *Compressor) Process(in []int16) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		x := float64(v) / 32768
		level := math.Abs(x)
		if level > c.env {
			c.env = c.attack*c.env + (1-c.attack)*level
		} else {
			c.env = c.release*c.env + (1-c.release)*level
		}

		gain := 1.0
		if c.env > 0 {
			envDB := linearToDB(c.env)
			if envDB > c.thresholdDB {
				reduced := c.thresholdDB + (envDB-c.thresholdDB)/c.ratio
				gain = dbToLinear(reduced - envDB)
			}
		}
		out[i] = clamp16(x * gain * c.makeup * 32768)
	}
	return out
}

func timeCoefficient(d time.Duration, sampleRate int) float64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func linearToDB(v float64) float64 {
	return 20 * math.Log10(v)
}
