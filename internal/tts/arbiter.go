package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Kind tags what a playback request is for.
type Kind string

const (
	KindQuestion Kind = "question"
	KindNudge    Kind = "nudge"
	KindWarning  Kind = "warning"
)

// Request is one utterance split into chunks that play strictly in order.
type Request struct {
	ID     string
	Kind   Kind
	Chunks []string
	Voice  string
	Speed  float64
}

// Arbiter serializes spoken output. Starting a request cancels and flushes
// the previous one and waits for it to stop before any new audio plays.
type Arbiter struct {
	primary  Client
	fallback Client
	speaker  Speaker
	logger   *zap.SugaredLogger

	// OnFallback, when set, is called each time a chunk is served by the
	// fallback synthesizer.
	OnFallback func(req Request, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	active string
}

func NewArbiter(primary, fallback Client, speaker Speaker, logger *zap.SugaredLogger) *Arbiter {
	return &Arbiter{primary: primary, fallback: fallback, speaker: speaker, logger: logger}
}

// Play starts req and returns a channel that receives exactly one value:
// nil when every chunk played, context.Canceled when superseded or stopped,
// or the synthesis error when both providers failed.
func (a *Arbiter) Play(ctx context.Context, req Request) <-chan error {
	result := make(chan error, 1)
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	prevCancel, prevDone := a.cancel, a.done
	a.cancel, a.done, a.active = cancel, done, req.ID
	a.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		a.speaker.Flush()
	}

	go func() {
		defer close(done)
		defer cancel()
		if prevDone != nil {
			<-prevDone
		}
		err := a.run(pctx, req)

		a.mu.Lock()
		if a.done == done {
			a.cancel, a.done, a.active = nil, nil, ""
		}
		a.mu.Unlock()
		result <- err
	}()
	return result
}

// Stop cancels whatever is playing and waits for it to go quiet. Safe to
// call at any time, including mid-fetch and when idle.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.speaker.Flush()
	<-done
}

// Active returns the id of the playing request, or "".
func (a *Arbiter) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

type synthesized struct {
	pcm []byte
	err error
}

// run synthesizes one chunk ahead of the one playing.
func (a *Arbiter) run(parent context.Context, req Request) error {
	ctx, cancel := context.WithCancel(parent)
	ready := make(chan synthesized, 1)
	defer func() {
		cancel()
		for range ready {
		}
	}()
	go func() {
		defer close(ready)
		for _, text := range req.Chunks {
			pcm, err := a.synthesize(ctx, req, text)
			select {
			case ready <- synthesized{pcm: pcm, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return parent.Err()
		case s, ok := <-ready:
			if !ok {
				return parent.Err()
			}
			if s.err != nil {
				return s.err
			}
			if err := a.speaker.Play(ctx, s.pcm); err != nil {
				return err
			}
		}
	}
}

func (a *Arbiter) synthesize(ctx context.Context, req Request, text string) ([]byte, error) {
	u := Utterance{Text: text, Voice: req.Voice, Speed: req.Speed}
	pcm, err := a.primary.Synthesize(ctx, u)
	if err == nil {
		return pcm, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if a.fallback == nil {
		return nil, fmt.Errorf("tts: primary synthesis failed: %w", err)
	}

	a.logger.Warnw("tts: primary synthesis failed, using local fallback", "request_id", req.ID, "kind", string(req.Kind), "error", err)
	if a.OnFallback != nil {
		a.OnFallback(req, err)
	}
	pcm, ferr := a.fallback.Synthesize(ctx, Utterance{Text: text, Speed: req.Speed})
	if ferr != nil {
		return nil, errors.Join(fmt.Errorf("tts: primary synthesis failed: %w", err), fmt.Errorf("tts: fallback synthesis failed: %w", ferr))
	}
	return pcm, nil
}
