package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

// SessionConfig bounds the reconnect policy of a streaming session.
type SessionConfig struct {
	MaxReconnects int
	Backoff       time.Duration // first retry delay, doubled per attempt
	MaxBackoff    time.Duration
	DialTimeout   time.Duration
	// ReplayFrames caps the audio kept since the last final. It is resent to
	// a fresh connection so speech during the gap is not lost.
	ReplayFrames int
}

var DefaultSessionConfig = SessionConfig{
	MaxReconnects: 3,
	Backoff:       250 * time.Millisecond,
	MaxBackoff:    2 * time.Second,
	DialTimeout:   5 * time.Second,
	ReplayFrames:  250,
}

// Update is emitted after every change the session makes.
type Update struct {
	Text        string // published transcript
	Final       bool
	Reconnected bool
	Degraded    bool
	Attempt     int
	Err         error
}

// Session drives one streaming recognition for a turn, reconnecting on
// unsolicited disconnects without losing committed finals.
type Session struct {
	dial      Dialer
	assembler *Assembler
	cfg       SessionConfig
	logger    *zap.SugaredLogger

	client   Client
	replay   [][]byte
	seam     bool
	attempts int
	degraded bool
}

func NewSession(dial Dialer, assembler *Assembler, cfg SessionConfig, logger *zap.SugaredLogger) *Session {
	if cfg.ReplayFrames <= 0 {
		cfg.ReplayFrames = DefaultSessionConfig.ReplayFrames
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultSessionConfig.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultSessionConfig.DialTimeout
	}
	return &Session{dial: dial, assembler: assembler, cfg: cfg, logger: logger}
}

// Run streams frames until the channel closes or ctx ends. The first
// connection failing to open is an error; later failures are recovered or
// degraded and reported through emit.
func (s *Session) Run(ctx context.Context, frames <-chan []int16, emit func(Update)) error {
	client, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("stt: opening stream: %w", err)
	}
	s.client = client
	defer func() {
		if s.client != nil {
			s.client.Close()
		}
	}()

	var retry <-chan time.Time
	for {
		var results <-chan TranscriptResult
		var errs <-chan error
		if s.client != nil {
			results = s.client.Results()
			errs = s.client.Errors()
		}

		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if s.degraded {
				continue
			}
			pcm := audio.Int16ToBytes(frame)
			s.remember(pcm)
			if s.client == nil {
				continue
			}
			if err := s.client.StreamAudio(ctx, pcm); err != nil {
				retry = s.disconnected(ctx, err, emit)
			}

		case r, ok := <-results:
			if !ok {
				retry = s.disconnected(ctx, errors.New("stream closed by server"), emit)
				continue
			}
			s.apply(r, emit)

		case err := <-errs:
			if err == nil {
				err = errors.New("stream closed by server")
			}
			retry = s.disconnected(ctx, err, emit)

		case <-retry:
			retry = s.reconnect(ctx, emit)
		}
	}
}

func (s *Session) open(ctx context.Context) (Client, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.dial(dctx)
}

func (s *Session) remember(pcm []byte) {
	s.replay = append(s.replay, pcm)
	if over := len(s.replay) - s.cfg.ReplayFrames; over > 0 {
		s.replay = s.replay[over:]
	}
}

func (s *Session) apply(r TranscriptResult, emit func(Update)) {
	if !r.IsFinal {
		emit(Update{Text: s.assembler.ApplyInterim(r.Text)})
		return
	}
	text := r.Text
	if s.seam && strings.TrimSpace(text) != "" {
		trimmed := trimOverlap(s.assembler.Committed(), text)
		if trimmed != text {
			s.logger.Infow("stt: dropped duplicate words at reconnect seam", "segment", text, "kept", trimmed)
		}
		text = trimmed
		// Replayed audio may come back as several finals; stay on the seam
		// until one of them adds new words.
		s.seam = strings.TrimSpace(text) == ""
	}
	if strings.TrimSpace(r.Text) != "" {
		s.replay = s.replay[:0]
	}
	emit(Update{Text: s.assembler.CommitFinal(text), Final: true})
}

// disconnected tears down the dead client and schedules a retry, or
// degrades once the budget is spent.
func (s *Session) disconnected(ctx context.Context, cause error, emit func(Update)) <-chan time.Time {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if ctx.Err() != nil {
		return nil
	}
	s.logger.Warnw("stt: stream disconnected", "error", cause, "attempt", s.attempts)
	return s.schedule(emit)
}

func (s *Session) schedule(emit func(Update)) <-chan time.Time {
	if s.attempts >= s.cfg.MaxReconnects {
		s.degraded = true
		s.replay = nil
		s.logger.Errorw("stt: giving up on streaming recognition", "attempts", s.attempts)
		emit(Update{Text: s.assembler.Text(), Degraded: true, Attempt: s.attempts, Err: ErrRetriesExhausted})
		return nil
	}
	delay := s.cfg.Backoff << s.attempts
	if delay > s.cfg.MaxBackoff || delay <= 0 {
		delay = s.cfg.MaxBackoff
	}
	s.attempts++
	return time.After(delay)
}

func (s *Session) reconnect(ctx context.Context, emit func(Update)) <-chan time.Time {
	client, err := s.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warnw("stt: reconnect failed", "error", err, "attempt", s.attempts)
		return s.schedule(emit)
	}
	s.client = client
	s.seam = true
	for _, pcm := range s.replay {
		if err := client.StreamAudio(ctx, pcm); err != nil {
			return s.disconnected(ctx, err, emit)
		}
	}
	s.logger.Infow("stt: reconnected", "attempt", s.attempts, "replayed_frames", len(s.replay))
	emit(Update{Text: s.assembler.Text(), Reconnected: true, Attempt: s.attempts})
	return nil
}

// trimOverlap removes the leading words of next that repeat the tail of
// committed. Comparison ignores case and punctuation. A single shared word
// is ordinary speech, so the overlap must span at least two words.
func trimOverlap(committed, next string) string {
	prev := strings.Fields(committed)
	words := strings.Fields(next)
	if len(prev) == 0 || len(words) == 0 {
		return next
	}
	maxK := len(words)
	if len(prev) < maxK {
		maxK = len(prev)
	}
	for k := maxK; k > 1; k-- {
		if equalWords(prev[len(prev)-k:], words[:k]) {
			return strings.Join(words[k:], " ")
		}
	}
	return next
}

func equalWords(a, b []string) bool {
	for i := range a {
		if normalizeWord(a[i]) != normalizeWord(b[i]) {
			return false
		}
	}
	return true
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))
}
