package silence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{Threshold: 0.01, Interval: 100 * time.Millisecond, StreakDuration: 500 * time.Millisecond}
}

func TestTracker_FiresAfterStreak(t *testing.T) {
	tr := NewTracker(testConfig())
	for i := 0; i < 4; i++ {
		_, ok := tr.Observe(0)
		require.False(t, ok, "sample %d", i)
	}
	ev, ok := tr.Observe(0)
	require.True(t, ok)
	assert.Equal(t, SilenceStart, ev.Type)
	assert.Equal(t, 1, ev.Fire)
}

func TestTracker_RearmsDuringContinuousSilence(t *testing.T) {
	tr := NewTracker(testConfig())
	var fires []int
	for i := 0; i < 15; i++ {
		if ev, ok := tr.Observe(0); ok {
			fires = append(fires, ev.Fire)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, fires)
}

func TestTracker_SoundResetsStreakAndEndsSilence(t *testing.T) {
	tr := NewTracker(testConfig())

	for i := 0; i < 4; i++ {
		tr.Observe(0)
	}
	_, ok := tr.Observe(0.5)
	assert.False(t, ok, "no silence-end without a prior start")

	for i := 0; i < 4; i++ {
		_, ok := tr.Observe(0)
		require.False(t, ok)
	}
	_, ok = tr.Observe(0)
	require.True(t, ok)

	ev, ok := tr.Observe(0.5)
	require.True(t, ok)
	assert.Equal(t, SilenceEnd, ev.Type)

	_, ok = tr.Observe(0.5)
	assert.False(t, ok, "silence-end fires once")
}

func TestMonitor_EmitsOnQuietStream(t *testing.T) {
	cfg := Config{Threshold: 0.01, Interval: 5 * time.Millisecond, StreakDuration: 20 * time.Millisecond}
	m := NewMonitor(cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan []int16)
	events := make(chan Event, 8)

	go m.Run(ctx, frames, func(ev Event) { events <- ev })

	select {
	case ev := <-events:
		assert.Equal(t, SilenceStart, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no silence-start on a quiet stream")
	}
}
