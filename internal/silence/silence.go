// Package silence watches raw loudness on a fixed cadence and reports long
// quiet stretches. It is deliberately independent of the VAD.
package silence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

type EventType int

const (
	SilenceStart EventType = iota + 1
	SilenceEnd
)

func (t EventType) String() string {
	switch t {
	case SilenceStart:
		return "silence_start"
	case SilenceEnd:
		return "silence_end"
	default:
		return "unknown"
	}
}

// Event is one silence edge. Fire counts SilenceStart events since the last
// SilenceEnd, starting at 1.
type Event struct {
	Type  EventType
	Level float64
	Fire  int
}

type Config struct {
	// Threshold is the normalized RMS level below which a sample is quiet.
	Threshold      float64
	Interval       time.Duration
	StreakDuration time.Duration
}

var DefaultConfig = Config{
	Threshold:      0.01,
	Interval:       100 * time.Millisecond,
	StreakDuration: 3500 * time.Millisecond,
}

// Tracker is the streak timer. Once the streak reaches StreakDuration it
// fires SilenceStart and resets, so uninterrupted silence fires again every
// StreakDuration. The first loud sample after a firing yields SilenceEnd.
type Tracker struct {
	cfg    Config
	streak time.Duration
	fires  int
}

func NewTracker(cfg Config) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.StreakDuration <= 0 {
		cfg.StreakDuration = DefaultConfig.StreakDuration
	}
	return &Tracker{cfg: cfg}
}

// Observe records one sample taken Interval after the previous one.
func (t *Tracker) Observe(level float64) (Event, bool) {
	if level < t.cfg.Threshold {
		t.streak += t.cfg.Interval
		if t.streak >= t.cfg.StreakDuration {
			t.streak = 0
			t.fires++
			return Event{Type: SilenceStart, Level: level, Fire: t.fires}, true
		}
		return Event{}, false
	}

	t.streak = 0
	if t.fires > 0 {
		t.fires = 0
		return Event{Type: SilenceEnd, Level: level}, true
	}
	return Event{}, false
}

// Monitor samples the RMS of the frames received since the previous tick.
// A tick with no frames counts as silence.
type Monitor struct {
	tracker  *Tracker
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewMonitor(cfg Config, logger *zap.SugaredLogger) *Monitor {
	t := NewTracker(cfg)
	return &Monitor{tracker: t, interval: t.cfg.Interval, logger: logger}
}

// Run blocks until frames closes or ctx ends, calling emit from its own
// goroutine.
func (m *Monitor) Run(ctx context.Context, frames <-chan []int16, emit func(Event)) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var window []int16
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			window = append(window, frame...)
		case <-ticker.C:
			level := audio.RMS(window)
			window = window[:0]
			if ev, ok := m.tracker.Observe(level); ok {
				m.logger.Debugw("silence: edge", "type", ev.Type.String(), "level", ev.Level, "fire", ev.Fire)
				emit(ev)
			}
		}
	}
}
