package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TurnPruner deletes archived turns; *store.Store implements it.
type TurnPruner interface {
	DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionJob deletes archived turns older than the retention period.
// It runs on a configurable interval (default: 1 hour), once immediately
// on start.
type RetentionJob struct {
	store     TurnPruner
	logger    *zap.SugaredLogger
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewRetentionJob creates a new retention job. A zero retention disables
// pruning.
func NewRetentionJob(s TurnPruner, logger *zap.SugaredLogger, retention, interval time.Duration) *RetentionJob {
	if interval == 0 {
		interval = 1 * time.Hour
	}
	return &RetentionJob{
		store:     s,
		logger:    logger,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background job.
func (j *RetentionJob) Start() {
	if j.retention <= 0 {
		j.logger.Infow("jobs: retention disabled")
		return
	}
	j.wg.Add(1)
	go j.run()
	j.logger.Infow("jobs: retention started", "retention", j.retention, "interval", j.interval)
}

// Stop gracefully stops the background job.
func (j *RetentionJob) Stop() {
	select {
	case <-j.stopCh:
		return
	default:
	}
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Infow("jobs: retention stopped")
}

func (j *RetentionJob) run() {
	defer j.wg.Done()

	// Run immediately on start
	j.prune()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.prune()
		case <-j.stopCh:
			return
		}
	}
}

// prune runs one deletion pass and returns the number of turns removed.
func (j *RetentionJob) prune() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	n, err := j.store.DeleteTurnsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Errorw("jobs: pruning turns", "cutoff", cutoff, "error", err)
		return 0
	}
	if n > 0 {
		j.logger.Infow("jobs: pruned turns", "count", n, "cutoff", cutoff)
	}
	return n
}
