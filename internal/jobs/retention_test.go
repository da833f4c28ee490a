package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
	deleted int64
}

func (f *fakePruner) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestRetentionJob_PrunesWithCutoff(t *testing.T) {
	p := &fakePruner{deleted: 3}
	j := NewRetentionJob(p, zap.NewNop().Sugar(), 30*24*time.Hour, time.Hour)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	assert.EqualValues(t, 3, j.prune())
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), p.cutoffs[0])
}

func TestRetentionJob_ErrorIsLogged(t *testing.T) {
	p := &fakePruner{err: errors.New("db down")}
	j := NewRetentionJob(p, zap.NewNop().Sugar(), time.Hour, time.Hour)
	assert.EqualValues(t, 0, j.prune())
}

func TestRetentionJob_RunsOnStartAndStops(t *testing.T) {
	p := &fakePruner{}
	j := NewRetentionJob(p, zap.NewNop().Sugar(), time.Hour, 10*time.Millisecond)
	j.Start()
	require.Eventually(t, func() bool { return p.calls() >= 2 }, time.Second, 5*time.Millisecond)
	j.Stop()
	j.Stop()
}

func TestRetentionJob_DisabledWithoutRetention(t *testing.T) {
	p := &fakePruner{}
	j := NewRetentionJob(p, zap.NewNop().Sugar(), 0, time.Millisecond)
	j.Start()
	time.Sleep(10 * time.Millisecond)
	j.Stop()
	assert.Equal(t, 0, p.calls())
}
