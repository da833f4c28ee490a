package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator runs turns one at a time. Its methods are safe to call from
// any goroutine; all turn state is owned by the running turn's event loop.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.SugaredLogger
	notes  *notifier

	mu       sync.Mutex
	current  *turn
	last     *Result
	attempts map[string]int
	closed   bool
}

func New(cfg Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.MinAnswerWords <= 0 {
		cfg.MinAnswerWords = def.MinAnswerWords
	}
	if cfg.MaxSilenceRefires <= 0 {
		cfg.MaxSilenceRefires = def.MaxSilenceRefires
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.NudgeText == "" {
		cfg.NudgeText = def.NudgeText
	}
	if cfg.Speed <= 0 {
		cfg.Speed = def.Speed
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		notes:    newNotifier(),
		attempts: make(map[string]int),
	}
}

// Notifications is the observer stream. It is closed by Close.
func (o *Orchestrator) Notifications() <-chan Notification {
	return o.notes.out
}

// StartTurn begins a turn for q and returns its id. The turn runs until it
// finishes, fails on the microphone or is aborted; cancelling ctx aborts it.
func (o *Orchestrator) StartTurn(ctx context.Context, q Question, opts ...TurnOption) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if o.current != nil && !o.current.isDone() {
		return "", ErrTurnActive
	}

	o.attempts[q.ID]++
	id := uuid.NewString()
	t := newTurn(o, id, q, o.attempts[q.ID])
	for _, opt := range opts {
		opt(t)
	}
	o.attempts[q.ID] = t.attempt
	o.current = t
	go t.run(ctx)

	o.logger.Infow("engine: turn started", "turn_id", id, "question_id", q.ID, "attempt", t.attempt)
	return id, nil
}

// SignalDone is the candidate's explicit "I'm done". It is ignored outside
// the answering phases.
func (o *Orchestrator) SignalDone() {
	if t := o.active(); t != nil {
		t.control(ctrlDone)
	}
}

// AbortTurn cancels the active turn and returns once its capture, detection
// and playback have stopped. It is idempotent.
func (o *Orchestrator) AbortTurn() {
	t := o.active()
	if t == nil {
		return
	}
	t.abort()
	<-t.done
}

// Snapshot reports the state of the current or most recent turn.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	t := o.current
	o.mu.Unlock()
	if t == nil {
		return Snapshot{Phase: PhaseReady}
	}
	return t.snapshot()
}

// LastResult returns the result of the most recently completed turn.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Close aborts any active turn and ends the notification stream.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.AbortTurn()
	o.notes.close()
}

func (o *Orchestrator) active() *turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.isDone() {
		return nil
	}
	return o.current
}

func (o *Orchestrator) complete(r Result) {
	o.mu.Lock()
	o.last = &r
	o.mu.Unlock()
}

func (o *Orchestrator) notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	o.notes.push(n)
}

func (o *Orchestrator) report(err error) {
	if o.cfg.Reporter != nil && err != nil {
		o.cfg.Reporter(err)
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordTurnStart() {}
func (nopMetrics) RecordTurnEnd(string, time.Duration) {}
func (nopMetrics) RecordClassification(string) {}
func (nopMetrics) RecordVerdict(string, bool, time.Duration) {}
func (nopMetrics) RecordStaleVerdict() {}
func (nopMetrics) RecordSTTReconnect(bool) {}
