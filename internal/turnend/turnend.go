// Package turnend asks the remote classifier whether a candidate has finished
// speaking. It allows one request at a time and fails open to "continue".
package turnend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/llm"
	"github.com/lukasbauer/rehearsal/internal/stt"
)

// Outcome says what Request did with a classification request.
type Outcome int

const (
	Started Outcome = iota
	Coalesced
	TooShort
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Coalesced:
		return "coalesced"
	case TooShort:
		return "too_short"
	default:
		return "unknown"
	}
}

// Verdict is a decision together with the snapshot it was computed from.
type Verdict struct {
	Decision   llm.Decision
	Reason     string
	Snapshot   string
	Generation uint64
	TimedOut   bool
	Err        error
	Latency    time.Duration
	Usage      Usage
}

// Usage is the token count of one classification call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Config struct {
	// MinWords is the shortest transcript worth classifying.
	MinWords int
	Timeout  time.Duration
}

var DefaultConfig = Config{
	MinWords: 5,
	Timeout:  4 * time.Second,
}

type Adapter struct {
	client   llm.Client
	cfg      Config
	logger   *zap.SugaredLogger
	inFlight atomic.Bool
	wg       sync.WaitGroup
}

func NewAdapter(client llm.Client, cfg Config, logger *zap.SugaredLogger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	return &Adapter{client: client, cfg: cfg, logger: logger}
}

// InFlight reports whether a request is outstanding.
func (a *Adapter) InFlight() bool { return a.inFlight.Load() }

// Request classifies req.Transcript in the background and hands the verdict
// to deliver. It does nothing when the transcript is too short or another
// request is still outstanding. deliver runs on the request goroutine after
// the in-flight slot has been freed.
func (a *Adapter) Request(ctx context.Context, req llm.TurnRequest, generation uint64, deliver func(Verdict)) Outcome {
	if stt.WordCount(req.Transcript) < a.cfg.MinWords {
		return TooShort
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		a.logger.Debugw("turnend: classification coalesced", "generation", generation)
		return Coalesced
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		v := a.classify(ctx, req, generation)
		a.inFlight.Store(false)
		deliver(v)
	}()
	return Started
}

func (a *Adapter) classify(ctx context.Context, req llm.TurnRequest, generation uint64) Verdict {
	cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := a.client.ClassifyTurn(cctx, req)
	v := Verdict{
		Snapshot:   req.Transcript,
		Generation: generation,
		Latency:    time.Since(start),
	}
	if err != nil {
		v.Decision = llm.DecisionContinue
		v.Err = err
		v.TimedOut = errors.Is(cctx.Err(), context.DeadlineExceeded)
		if ctx.Err() == nil {
			a.logger.Warnw("turnend: classifier failed, continuing", "error", err, "timed_out", v.TimedOut, "generation", generation)
		}
		return v
	}
	v.Decision = res.Decision
	v.Reason = res.Reason
	v.Usage = Usage{PromptTokens: res.PromptTokens, CompletionTokens: res.CompletionTokens}
	a.logger.Infow("turnend: verdict", "decision", string(v.Decision), "generation", generation, "latency", v.Latency)
	return v
}

// Wait blocks until every started request has delivered.
func (a *Adapter) Wait() { a.wg.Wait() }
