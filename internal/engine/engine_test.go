package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
	"github.com/lukasbauer/rehearsal/internal/eventlog"
	"github.com/lukasbauer/rehearsal/internal/llm"
	"github.com/lukasbauer/rehearsal/internal/silence"
	"github.com/lukasbauer/rehearsal/internal/stt"
	"github.com/lukasbauer/rehearsal/internal/tts"
	"github.com/lukasbauer/rehearsal/internal/vad"
)

const wait = 3 * time.Second

var question = Question{
	ID:     "q-conflict",
	Prompt: "Tell me about a time you disagreed with a teammate. How did you resolve it?",
}

// --- fakes ---

type fakeSTT struct {
	results chan stt.TranscriptResult
	errs    chan error
	closed  atomic.Bool
}

func newFakeSTT(results ...stt.TranscriptResult) *fakeSTT {
	c := &fakeSTT{
		results: make(chan stt.TranscriptResult, 16),
		errs:    make(chan error, 1),
	}
	for _, r := range results {
		c.results <- r
	}
	return c
}

func (c *fakeSTT) StreamAudio(ctx context.Context, audio []byte) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	return nil
}

func (c *fakeSTT) Results() <-chan stt.TranscriptResult { return c.results }
func (c *fakeSTT) Errors() <-chan error                 { return c.errs }

func (c *fakeSTT) Close() error {
	c.closed.Store(true)
	return nil
}

func final(text string) stt.TranscriptResult {
	return stt.TranscriptResult{Text: text, IsFinal: true}
}

func interim(text string) stt.TranscriptResult {
	return stt.TranscriptResult{Text: text}
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeSTT
	dials   int
}

func (d *fakeDialer) dial(ctx context.Context) (stt.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i >= len(d.clients) {
		return nil, errors.New("dial refused")
	}
	return d.clients[i], nil
}

type fakeLLM struct {
	mu        sync.Mutex
	decisions []llm.Decision
	calls     int
	gate      chan struct{}
}

func (f *fakeLLM) ClassifyTurn(ctx context.Context, req llm.TurnRequest) (llm.Classification, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	d := llm.DecisionContinue
	if len(f.decisions) > 0 {
		d = f.decisions[min(i, len(f.decisions)-1)]
	}
	gate := f.gate
	f.mu.Unlock()

	if i == 0 && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return llm.Classification{}, ctx.Err()
		}
	}
	return llm.Classification{Decision: d, PromptTokens: 100, CompletionTokens: 5}, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePlayer struct {
	mu       sync.Mutex
	hold     bool
	requests []tts.Request
	pending  []chan struct{}
	stops    int
}

func (p *fakePlayer) Play(ctx context.Context, req tts.Request) <-chan error {
	out := make(chan error, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if !p.hold {
		out <- nil
		return out
	}
	stop := make(chan struct{})
	p.pending = append(p.pending, stop)
	go func() {
		select {
		case <-stop:
		case <-ctx.Done():
		}
		out <- context.Canceled
	}()
	return out
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	for _, c := range p.pending {
		close(c)
	}
	p.pending = nil
}

func (p *fakePlayer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0
}

func (p *fakePlayer) Kinds() []tts.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []tts.Kind
	for _, r := range p.requests {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

type fakeEvents struct {
	mu    sync.Mutex
	types []eventlog.EventType
}

func (f *fakeEvents) LogAsync(turnID string, typ eventlog.EventType, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, typ)
}

func (f *fakeEvents) Count(typ eventlog.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.types {
		if t == typ {
			n++
		}
	}
	return n
}

type fakeBatch struct {
	text  string
	calls atomic.Int32
	gate  chan struct{}
}

func (b *fakeBatch) Transcribe(ctx context.Context, wav []byte) (string, error) {
	b.calls.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.text, nil
}

type trackedClassifier struct {
	*vad.EnergyClassifier
	closed atomic.Bool
}

func (c *trackedClassifier) Close() error {
	c.closed.Store(true)
	return nil
}

// --- harness ---

type harness struct {
	src     *audio.MemorySource
	gateway *audio.Gateway
	dialer  *fakeDialer
	llm     *fakeLLM
	player  *fakePlayer
	events  *fakeEvents
	batch   *fakeBatch
	vads    []*trackedClassifier
	vadMu   sync.Mutex
	reports atomic.Int32
	orch    *Orchestrator

	mu    sync.Mutex
	notes []Notification
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ThinkingPause = 0
	cfg.ConfirmTimeout = time.Second
	cfg.MaxSilenceRefires = 100
	cfg.Silence = silence.Config{Threshold: 0.01, Interval: 5 * time.Millisecond, StreakDuration: 60 * time.Millisecond}
	cfg.STT = stt.SessionConfig{
		MaxReconnects: 2,
		Backoff:       time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		DialTimeout:   time.Second,
		ReplayFrames:  50,
	}
	return cfg
}

func newHarness(t *testing.T, cfg Config, clients ...*fakeSTT) *harness {
	t.Helper()
	h := &harness{
		src:    audio.NewMemorySource(),
		dialer: &fakeDialer{clients: clients},
		llm:    &fakeLLM{},
		player: &fakePlayer{},
		events: &fakeEvents{},
	}
	logger := zap.NewNop().Sugar()
	h.gateway = audio.NewGateway(h.src, audio.DefaultFormat, audio.DefaultCompressorConfig, logger)
	cfg.Reporter = func(error) { h.reports.Add(1) }

	h.orch = New(cfg, Deps{
		Capture: h.gateway,
		VAD: func() (vad.FrameClassifier, error) {
			c := &trackedClassifier{EnergyClassifier: vad.NewEnergyClassifier(-50, -30)}
			h.vadMu.Lock()
			h.vads = append(h.vads, c)
			h.vadMu.Unlock()
			return c, nil
		},
		Dialer:     h.dialer.dial,
		Classifier: h.llm,
		Player:     h.player,
		Events:     h.events,
		Logger:     logger,
	})
	go func() {
		for n := range h.orch.Notifications() {
			h.mu.Lock()
			h.notes = append(h.notes, n)
			h.mu.Unlock()
		}
	}()
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) withBatch(text string) {
	h.batch = &fakeBatch{text: text}
	h.orch.deps.Batch = h.batch
}

func (h *harness) count(kind NotificationKind, code string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, note := range h.notes {
		if note.Kind == kind && note.Code == code {
			n++
		}
	}
	return n
}

func (h *harness) result(t *testing.T) Result {
	t.Helper()
	var res Result
	require.Eventually(t, func() bool {
		var ok bool
		res, ok = h.orch.LastResult()
		return ok
	}, wait, 5*time.Millisecond)
	return res
}

func (h *harness) waitPhase(t *testing.T, p Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orch.Snapshot().Phase == p
	}, wait, 2*time.Millisecond, "waiting for phase %s, at %s", p, h.orch.Snapshot().Phase)
}

func (h *harness) waitTranscript(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.orch.Snapshot().Transcript == want
	}, wait, 2*time.Millisecond, "transcript is %q", h.orch.Snapshot().Transcript)
}

func (h *harness) start(t *testing.T, opts ...TurnOption) string {
	t.Helper()
	id, err := h.orch.StartTurn(context.Background(), question, opts...)
	require.NoError(t, err)
	return id
}

func loud(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 8000
		} else {
			out[i] = -8000
		}
	}
	return out
}

// --- scenarios ---

func TestTurn_ShortTranscriptIsNeverClassified(t *testing.T) {
	h := newHarness(t, testConfig(), newFakeSTT())
	h.start(t, WithTranscript("I think so"))
	h.waitPhase(t, PhaseRecording)

	require.Eventually(t, func() bool {
		return h.count(NotifyActivity, ActivitySilenceStarted) >= 3
	}, wait, 5*time.Millisecond)

	assert.Equal(t, 0, h.llm.Calls())
	assert.Equal(t, PhaseRecording, h.orch.Snapshot().Phase)
	assert.GreaterOrEqual(t, h.events.Count(eventlog.EventClassificationSkipped), 3)
}

func TestTurn_AskThenSignalDoneFinishesWithCommittedText(t *testing.T) {
	committed := "I set up a meeting with him and we walked through both designs together"
	h := newHarness(t, testConfig(), newFakeSTT(final(committed), interim("and then")))
	h.llm.decisions = []llm.Decision{llm.DecisionAsk}
	h.start(t)

	h.waitPhase(t, PhaseAskingDone)
	assert.Equal(t, 1, h.count(NotifyWarning, WarningConfirmDone))
	assert.Equal(t, []tts.Kind{tts.KindQuestion, tts.KindNudge}, h.player.Kinds())

	h.orch.SignalDone()
	h.waitPhase(t, PhaseFinished)

	res := h.result(t)
	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, committed, res.Transcript)
	assert.Equal(t, SourceIncremental, res.Source)
	assert.Equal(t, question.ID, res.QuestionID)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, 1, res.Usage.ClassifierCalls)
	assert.False(t, h.gateway.Open())
}

func TestTurn_ConfirmTimeoutReturnsToRecording(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmTimeout = 150 * time.Millisecond
	cfg.Silence.StreakDuration = time.Hour
	h := newHarness(t, cfg, newFakeSTT(final("I set up a meeting with him and we walked through both designs")))
	h.llm.decisions = []llm.Decision{llm.DecisionAsk}
	h.start(t)

	// Only a silence round can lead to asking_done, so force one.
	h.waitPhase(t, PhaseRecording)
	h.waitTranscript(t, "I set up a meeting with him and we walked through both designs")
	h.orch.current.post(silenceEvent{silence.Event{Type: silence.SilenceStart, Fire: 1}})

	h.waitPhase(t, PhaseAskingDone)
	h.waitPhase(t, PhaseRecording)
	assert.Equal(t, 1, h.events.Count(eventlog.EventConfirmTimeout))
}

func TestTurn_StreamingReconnectDoesNotDuplicateWords(t *testing.T) {
	first := newFakeSTT(final("we moved the queue consumers onto a shared worker pool"))
	second := newFakeSTT(final("worker pool and then measured latency"))
	h := newHarness(t, testConfig(), first, second)
	h.start(t)

	h.waitTranscript(t, "we moved the queue consumers onto a shared worker pool")
	first.errs <- errors.New("connection reset")

	want := "we moved the queue consumers onto a shared worker pool and then measured latency"
	h.waitTranscript(t, want)
	assert.Equal(t, 1, h.events.Count(eventlog.EventSTTReconnect))

	h.orch.SignalDone()
	res := h.result(t)
	assert.Equal(t, want, res.Transcript)
}

func TestTurn_DeviceLossKeepsTranscript(t *testing.T) {
	cfg := testConfig()
	cfg.Silence.StreakDuration = time.Hour
	h := newHarness(t, cfg, newFakeSTT(final("so the first thing I did"), interim("was call")))
	h.start(t)
	h.waitTranscript(t, "so the first thing I did was call")

	h.src.Lose(errors.New("track ended"))
	h.waitPhase(t, PhaseMicError)

	res := h.result(t)
	assert.Equal(t, OutcomeMicError, res.Outcome)
	assert.Equal(t, "so the first thing I did was call", res.Transcript)
	assert.ErrorIs(t, res.Err, audio.ErrDeviceLost)
	assert.EqualValues(t, 1, h.reports.Load())
	assert.False(t, h.gateway.Open())
	assert.Equal(t, 1, h.events.Count(eventlog.EventMicError))
}

func TestTurn_PermissionDeniedIsMicError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.src.FailOpen(audio.ErrPermissionDenied)
	h.start(t)

	h.waitPhase(t, PhaseMicError)
	res := h.result(t)
	assert.Equal(t, OutcomeMicError, res.Outcome)
	assert.ErrorIs(t, res.Err, audio.ErrPermissionDenied)
	assert.Empty(t, h.player.Kinds(), "question must not play without a microphone")
}

func TestTurn_AbortDuringQuestionStopsPlayback(t *testing.T) {
	h := newHarness(t, testConfig())
	h.player.hold = true
	h.start(t)
	h.waitPhase(t, PhaseSpeakingQuestion)
	require.Eventually(t, h.player.Active, wait, 2*time.Millisecond)

	h.orch.AbortTurn()

	assert.False(t, h.player.Active())
	assert.False(t, h.gateway.Open())
	assert.False(t, h.src.Active())
	assert.Equal(t, PhaseReady, h.orch.Snapshot().Phase)
	res, ok := h.orch.LastResult()
	require.True(t, ok)
	assert.Equal(t, OutcomeAborted, res.Outcome)

	// Idempotent.
	h.orch.AbortTurn()
}

func TestTurn_AbortWhileRecordingReleasesDetectors(t *testing.T) {
	h := newHarness(t, testConfig(), newFakeSTT(interim("well")))
	h.start(t)
	h.waitPhase(t, PhaseRecording)
	h.waitTranscript(t, "well")

	h.orch.AbortTurn()

	assert.False(t, h.gateway.Open())
	assert.False(t, h.src.Active())
	h.vadMu.Lock()
	require.Len(t, h.vads, 1)
	assert.True(t, h.vads[0].closed.Load(), "vad classifier must be closed")
	h.vadMu.Unlock()

	res, ok := h.orch.LastResult()
	require.True(t, ok)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, "well", res.Transcript)

	// The next turn can take the microphone again.
	h.start(t)
	h.waitPhase(t, PhaseRecording)
	res2 := h.orch.Snapshot()
	assert.Equal(t, 2, res2.Attempt)
}

func TestTurn_ShortAnswerIgnoresClassifierDone(t *testing.T) {
	h := newHarness(t, testConfig(), newFakeSTT(final("I fixed the flaky build")))
	h.llm.decisions = []llm.Decision{llm.DecisionDone}
	h.start(t)

	// Every silence round comes back done; none of them may end the turn.
	require.Eventually(t, func() bool { return h.llm.Calls() >= 3 }, wait, 5*time.Millisecond)

	_, ok := h.orch.LastResult()
	assert.False(t, ok)
	assert.NotEqual(t, PhaseFinished, h.orch.Snapshot().Phase)
	assert.Equal(t, 1, h.count(NotifyWarning, WarningShortAnswer))
	assert.Equal(t, 0, h.events.Count(eventlog.EventManualOverride))
	assert.GreaterOrEqual(t, h.events.Count(eventlog.EventShortAnswer), 2)

	h.orch.SignalDone()
	res := h.result(t)
	assert.Equal(t, OutcomeFinished, res.Outcome)
	assert.Equal(t, "manual_override", res.Reason)
	assert.Equal(t, "I fixed the flaky build", res.Transcript)
	assert.Equal(t, 1, h.events.Count(eventlog.EventManualOverride))
}

func TestTurn_ShortAnswerSurvivesSilenceCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSilenceRefires = 2
	h := newHarness(t, cfg, newFakeSTT())
	h.start(t, WithTranscript("I think so"))
	h.waitPhase(t, PhaseRecording)

	require.Eventually(t, func() bool {
		return h.events.Count(eventlog.EventSilenceCapReached) >= 2
	}, wait, 5*time.Millisecond)

	_, ok := h.orch.LastResult()
	assert.False(t, ok)
	assert.Equal(t, PhaseRecording, h.orch.Snapshot().Phase)
	assert.Equal(t, 1, h.count(NotifyWarning, WarningShortAnswer))
	assert.Equal(t, 0, h.events.Count(eventlog.EventManualOverride))

	h.orch.SignalDone()
	res := h.result(t)
	assert.Equal(t, "manual_override", res.Reason)
	assert.Equal(t, "I think so", res.Transcript)
}

func TestTurn_SignalDoneOnShortAnswerWarnsFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Silence.StreakDuration = time.Hour
	h := newHarness(t, cfg, newFakeSTT(final("it went fine")))
	h.start(t)
	h.waitTranscript(t, "it went fine")

	h.orch.SignalDone()
	require.Eventually(t, func() bool {
		return h.count(NotifyWarning, WarningShortAnswer) == 1
	}, wait, 2*time.Millisecond)
	assert.Equal(t, PhaseRecording, h.orch.Snapshot().Phase)

	h.orch.SignalDone()
	h.waitPhase(t, PhaseFinished)
	assert.Equal(t, 1, h.count(NotifyWarning, WarningShortAnswer))
}

func TestTurn_StaleVerdictAfterSpeechIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), newFakeSTT(final("I started by reading every incident report from the last quarter")))
	gate := make(chan struct{})
	h.llm.gate = gate
	h.llm.decisions = []llm.Decision{llm.DecisionDone, llm.DecisionContinue}
	h.start(t)

	h.waitPhase(t, PhaseSilenceDetected)
	for i := 0; i < 3; i++ {
		h.src.Push(loud(audio.DefaultFormat.FrameSamples))
	}
	h.waitPhase(t, PhaseRecording)

	close(gate)
	require.Eventually(t, func() bool {
		return h.events.Count(eventlog.EventVerdictStale) >= 1
	}, wait, 2*time.Millisecond)

	snap := h.orch.Snapshot()
	assert.NotEqual(t, PhaseFinished, snap.Phase)
	_, ok := h.orch.LastResult()
	assert.False(t, ok)
}

func TestTurn_SilenceCapEndsTurn(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSilenceRefires = 2
	h := newHarness(t, cfg, newFakeSTT(final("I rewrote the deploy scripts so that rollbacks took one command")))
	h.start(t)

	h.waitPhase(t, PhaseFinished)
	res := h.result(t)
	assert.Equal(t, "silence_cap", res.Reason)
	assert.Equal(t, 2, h.llm.Calls())
	assert.Equal(t, 1, h.events.Count(eventlog.EventSilenceCapReached))
}

func TestTurn_BatchTranscriptReplacesStreamed(t *testing.T) {
	cfg := testConfig()
	cfg.Silence.StreakDuration = time.Hour
	h := newHarness(t, cfg, newFakeSTT(final("we shipped it on time because we cut the reporting feature early")))
	h.withBatch("We shipped it on time because we cut the reporting feature early.")
	h.start(t)
	h.waitPhase(t, PhaseRecording)

	for i := 0; i < 10; i++ {
		h.src.Push(make([]int16, audio.DefaultFormat.FrameSamples))
	}
	h.waitTranscript(t, "we shipped it on time because we cut the reporting feature early")
	// Let the recorder drain the pushed frames.
	time.Sleep(20 * time.Millisecond)

	h.orch.SignalDone()
	res := h.result(t)
	assert.Equal(t, SourceBatch, res.Source)
	assert.Equal(t, "We shipped it on time because we cut the reporting feature early.", res.Transcript)
	assert.EqualValues(t, 1, h.batch.calls.Load())
	assert.Greater(t, res.Usage.BatchSeconds, 0.0)
}

func TestStartTurn_RejectedWhileBatchPassRuns(t *testing.T) {
	cfg := testConfig()
	cfg.Silence.StreakDuration = time.Hour
	h := newHarness(t, cfg, newFakeSTT(final("we shipped it on time because we cut the reporting feature early")))
	h.withBatch("We shipped it on time because we cut the reporting feature early.")
	gate := make(chan struct{})
	h.batch.gate = gate
	h.start(t)
	h.waitPhase(t, PhaseRecording)

	for i := 0; i < 10; i++ {
		h.src.Push(make([]int16, audio.DefaultFormat.FrameSamples))
	}
	h.waitTranscript(t, "we shipped it on time because we cut the reporting feature early")
	time.Sleep(20 * time.Millisecond)

	h.orch.SignalDone()
	require.Eventually(t, func() bool { return h.batch.calls.Load() == 1 }, wait, 2*time.Millisecond)

	_, err := h.orch.StartTurn(context.Background(), question)
	assert.ErrorIs(t, err, ErrTurnActive)
	_, ok := h.orch.LastResult()
	assert.False(t, ok)

	close(gate)
	res := h.result(t)
	assert.Equal(t, SourceBatch, res.Source)
	require.Eventually(t, func() bool {
		_, err := h.orch.StartTurn(context.Background(), question)
		return err == nil
	}, wait, 2*time.Millisecond)
}

func TestStartTurn_RejectsSecondTurn(t *testing.T) {
	h := newHarness(t, testConfig())
	h.player.hold = true
	h.start(t)

	_, err := h.orch.StartTurn(context.Background(), question)
	assert.ErrorIs(t, err, ErrTurnActive)
}

func TestSignalDone_IgnoredBeforeRecording(t *testing.T) {
	h := newHarness(t, testConfig())
	h.player.hold = true
	h.start(t)
	h.waitPhase(t, PhaseSpeakingQuestion)

	h.orch.SignalDone()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseSpeakingQuestion, h.orch.Snapshot().Phase)
}

func TestClose_EndsNotifications(t *testing.T) {
	o := New(testConfig(), Deps{Capture: audio.NewGateway(audio.NewMemorySource(), audio.DefaultFormat, audio.DefaultCompressorConfig, zap.NewNop().Sugar())})
	o.Close()
	_, err := o.StartTurn(context.Background(), question)
	assert.ErrorIs(t, err, ErrClosed)
	for range o.Notifications() {
	}
}

func TestStartTurn_WithAttemptContinuesHistory(t *testing.T) {
	h := newHarness(t, testConfig())
	h.player.hold = true
	h.start(t, WithAttempt(4))
	assert.Equal(t, 4, h.orch.Snapshot().Attempt)

	h.orch.AbortTurn()
	h.start(t)
	assert.Equal(t, 5, h.orch.Snapshot().Attempt)
}

func TestNotifier_CloseDeliversQueued(t *testing.T) {
	n := newNotifier()
	n.push(Notification{Kind: NotifyPhase, TurnID: "t-1", Phase: PhaseFinished})
	n.push(Notification{Kind: NotifyResult, TurnID: "t-1", Result: &Result{Outcome: OutcomeFinished}})
	n.close()
	n.push(Notification{Kind: NotifyPhase, TurnID: "t-2"})

	var kinds []NotificationKind
	for note := range n.out {
		kinds = append(kinds, note.Kind)
	}
	assert.Equal(t, []NotificationKind{NotifyPhase, NotifyResult}, kinds)
}
