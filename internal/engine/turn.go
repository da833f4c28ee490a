package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lukasbauer/rehearsal/internal/audio"
	"github.com/lukasbauer/rehearsal/internal/eventlog"
	"github.com/lukasbauer/rehearsal/internal/llm"
	"github.com/lukasbauer/rehearsal/internal/silence"
	"github.com/lukasbauer/rehearsal/internal/stt"
	"github.com/lukasbauer/rehearsal/internal/tts"
	"github.com/lukasbauer/rehearsal/internal/turnend"
	"github.com/lukasbauer/rehearsal/internal/vad"
)

const (
	eventDepth   = 256
	archiveLimit = 5 * time.Second
)

type ctrl int

const ctrlDone ctrl = iota

// Inbound events posted by subsystems to the turn loop.
type (
	vadEvent     struct{ ev vad.Event }
	silenceEvent struct{ ev silence.Event }
	sttEvent     struct{ up stt.Update }
	verdictEvent struct{ v turnend.Verdict }
	failedEvent  struct {
		subsystem string
		err       error
	}
)

// TurnOption customizes a single turn.
type TurnOption func(*turn)

// WithTranscript seeds the turn with text already spoken, for resuming an
// interrupted answer.
func WithTranscript(text string) TurnOption {
	return func(t *turn) { t.asm.Seed(text) }
}

// WithAttempt overrides the attempt number, for callers that keep attempt
// history across orchestrators. Later turns on the question count up from n.
func WithAttempt(n int) TurnOption {
	return func(t *turn) {
		if n > 0 {
			t.attempt = n
		}
	}
}

// turn is one run of the phase machine. Everything below the mutex is owned
// by the loop goroutine.
type turn struct {
	o       *Orchestrator
	cfg     Config
	id      string
	q       Question
	attempt int
	logger  *zap.SugaredLogger

	events   chan any
	controls chan ctrl
	aborted  chan struct{}
	stopped  chan struct{}
	done     chan struct{}

	abortOnce sync.Once
	stopOnce  sync.Once
	ended     atomic.Bool

	mu        sync.Mutex
	phase     Phase
	published string

	ctx           context.Context
	asm           *stt.Assembler
	handle        *audio.Handle
	classifier    *turnend.Adapter
	recorder      *audio.Recorder
	capture       context.Context
	captureCancel context.CancelFunc
	group         *errgroup.Group

	generation  uint64
	refires     int
	warned      bool
	degraded    bool
	startedAt   time.Time
	recordingAt time.Time
	usage       Usage

	playback     <-chan error
	playbackKind tts.Kind
	pause        *time.Timer
	confirm      *time.Timer
}

func newTurn(o *Orchestrator, id string, q Question, attempt int) *turn {
	return &turn{
		o:        o,
		cfg:      o.cfg,
		id:       id,
		q:        q,
		attempt:  attempt,
		logger:   o.logger.With("turn_id", id),
		events:   make(chan any, eventDepth),
		controls: make(chan ctrl, 4),
		aborted:  make(chan struct{}),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
		asm:      stt.NewAssembler(),
	}
}

func (t *turn) isDone() bool { return t.ended.Load() }

func (t *turn) control(c ctrl) {
	select {
	case t.controls <- c:
	default:
	}
}

func (t *turn) abort() {
	t.abortOnce.Do(func() { close(t.aborted) })
}

// post hands an event to the loop. It gives up once teardown has begun so
// subsystem goroutines can always exit.
func (t *turn) post(ev any) {
	select {
	case t.events <- ev:
	case <-t.stopped:
	}
}

func (t *turn) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		TurnID:     t.id,
		QuestionID: t.q.ID,
		Attempt:    t.attempt,
		Phase:      t.phase,
		Transcript: t.published,
	}
}

func (t *turn) run(parent context.Context) {
	defer close(t.done)
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	t.ctx = ctx
	t.startedAt = time.Now()

	t.o.deps.Metrics.RecordTurnStart()
	t.record(eventlog.EventTurnStarted, map[string]any{"question_id": t.q.ID, "attempt": t.attempt})
	t.notifyPhase()
	if seeded := t.asm.Text(); seeded != "" {
		t.publish(seeded)
	}

	h, err := t.o.deps.Capture.Acquire(ctx, t.id)
	if err != nil {
		t.micError(err)
		return
	}
	t.handle = h

	t.speakQuestion()
	t.loop()
}

func (t *turn) loop() {
	for {
		var pauseC, confirmC <-chan time.Time
		if t.pause != nil {
			pauseC = t.pause.C
		}
		if t.confirm != nil {
			confirmC = t.confirm.C
		}

		select {
		case <-t.ctx.Done():
			// A device loss racing the cancellation is still a microphone failure.
			select {
			case err := <-t.handle.Lost():
				t.micError(err)
			default:
				t.abortTurn("context canceled")
			}
			return
		case <-t.aborted:
			t.abortTurn("aborted")
			return
		case err := <-t.handle.Lost():
			t.micError(err)
			return
		case err := <-t.playback:
			t.playbackDone(err)
		case <-pauseC:
			t.pause = nil
			t.startCapture()
		case <-confirmC:
			t.confirm = nil
			t.confirmTimedOut()
		case c := <-t.controls:
			if c == ctrlDone && t.signalDone() {
				return
			}
		case ev := <-t.events:
			if t.dispatch(ev) {
				return
			}
		}
	}
}

// dispatch applies one subsystem event and reports whether the turn ended.
func (t *turn) dispatch(ev any) bool {
	switch e := ev.(type) {
	case vadEvent:
		t.onSpeech(e.ev)
	case silenceEvent:
		return t.onSilence(e.ev)
	case sttEvent:
		t.onTranscript(e.up)
	case verdictEvent:
		return t.onVerdict(e.v)
	case failedEvent:
		t.onFailure(e.subsystem, e.err)
	}
	return false
}

func (t *turn) setPhase(p Phase) {
	t.mu.Lock()
	prev := t.phase
	if prev == p {
		t.mu.Unlock()
		return
	}
	t.phase = p
	t.mu.Unlock()

	t.logger.Infow("engine: phase changed", "from", prev.String(), "to", p.String())
	t.record(eventlog.EventPhaseChanged, map[string]any{"from": prev.String(), "to": p.String()})
	t.notifyPhase()
}

func (t *turn) notifyPhase() {
	t.o.notify(Notification{Kind: NotifyPhase, TurnID: t.id, Phase: t.phase})
}

func (t *turn) warn(code string) {
	t.o.notify(Notification{Kind: NotifyWarning, TurnID: t.id, Phase: t.phase, Code: code})
}

func (t *turn) activity(code string) {
	t.o.notify(Notification{Kind: NotifyActivity, TurnID: t.id, Phase: t.phase, Code: code})
}

func (t *turn) publish(text string) {
	t.mu.Lock()
	if text == t.published {
		t.mu.Unlock()
		return
	}
	t.published = text
	t.mu.Unlock()
	t.o.notify(Notification{Kind: NotifyTranscript, TurnID: t.id, Phase: t.phase, Transcript: text})
}

func (t *turn) record(typ eventlog.EventType, data map[string]any) {
	if t.o.deps.Events != nil {
		t.o.deps.Events.LogAsync(t.id, typ, data)
	}
}

func (t *turn) speakQuestion() {
	t.setPhase(PhaseSpeakingQuestion)
	chunks := tts.SplitSentences(t.q.Prompt)
	if t.o.deps.Player == nil || len(chunks) == 0 {
		t.enterThinking()
		return
	}
	t.play(tts.KindQuestion, chunks)
}

func (t *turn) play(kind tts.Kind, chunks []string) {
	if t.o.deps.Player == nil || len(chunks) == 0 {
		return
	}
	for _, c := range chunks {
		t.usage.TTSCharacters += len(c)
	}
	t.playbackKind = kind
	t.playback = t.o.deps.Player.Play(t.ctx, tts.Request{
		ID:     t.id + "/" + string(kind),
		Kind:   kind,
		Chunks: chunks,
		Voice:  t.cfg.Voice,
		Speed:  t.cfg.Speed,
	})
}

func (t *turn) stopPlayback() {
	if t.playback != nil && t.o.deps.Player != nil {
		t.o.deps.Player.Stop()
	}
}

func (t *turn) playbackDone(err error) {
	kind := t.playbackKind
	t.playback, t.playbackKind = nil, ""
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warnw("engine: playback failed", "kind", string(kind), "error", err)
		t.record(eventlog.EventPlaybackFailed, map[string]any{"kind": string(kind), "error": err.Error()})
		t.warn(WarningPlaybackLost)
	}
	if kind == tts.KindQuestion && t.phase == PhaseSpeakingQuestion {
		t.enterThinking()
	}
}

func (t *turn) enterThinking() {
	t.setPhase(PhaseThinking)
	t.pause = time.NewTimer(t.cfg.ThinkingPause)
}

// startCapture opens the detection, transcription and recording pipelines
// on the held microphone handle.
func (t *turn) startCapture() {
	cctx, cancel := context.WithCancel(t.ctx)
	t.capture, t.captureCancel = cctx, cancel
	t.group = &errgroup.Group{}
	t.classifier = turnend.NewAdapter(t.o.deps.Classifier, t.cfg.Classifier, t.logger)
	t.recorder = audio.NewRecorder(t.handle.Format())

	vadFrames := t.handle.Tap("vad")
	silenceFrames := t.handle.Tap("silence")
	sttFrames := t.handle.Tap("stt")
	normalized := t.handle.Normalized()

	detector := vad.NewAdapter(t.newVADClassifier(), t.cfg.VAD, t.handle.Format(), t.logger)
	monitor := silence.NewMonitor(t.cfg.Silence, t.logger)
	session := stt.NewSession(t.o.deps.Dialer, t.asm, t.cfg.STT, t.logger)

	t.group.Go(func() error {
		if err := detector.Run(cctx, vadFrames, func(ev vad.Event) { t.post(vadEvent{ev}) }); err != nil {
			t.post(failedEvent{"vad", err})
		}
		return nil
	})
	t.group.Go(func() error {
		return monitor.Run(cctx, silenceFrames, func(ev silence.Event) { t.post(silenceEvent{ev}) })
	})
	t.group.Go(func() error {
		if err := session.Run(cctx, sttFrames, func(up stt.Update) { t.post(sttEvent{up}) }); err != nil {
			t.post(failedEvent{"stt", err})
		}
		return nil
	})
	t.group.Go(func() error {
		return t.recorder.Run(cctx, normalized)
	})

	t.recordingAt = time.Now()
	t.setPhase(PhaseRecording)
}

func (t *turn) newVADClassifier() vad.FrameClassifier {
	if t.o.deps.VAD != nil {
		c, err := t.o.deps.VAD()
		if err == nil {
			return c
		}
		t.logger.Warnw("engine: vad classifier unavailable, using energy classifier", "error", err)
	}
	d := vad.DefaultClassifierConfig
	return vad.NewEnergyClassifier(d.FloorDB, d.CeilingDB)
}

func (t *turn) answering() bool {
	return t.phase == PhaseRecording || t.phase == PhaseSilenceDetected || t.phase == PhaseAskingDone
}

func (t *turn) onSpeech(ev vad.Event) {
	at := ev.At.Milliseconds()
	switch ev.Type {
	case vad.SpeechStart:
		t.generation++
		t.refires = 0
		t.record(eventlog.EventSpeechStarted, map[string]any{"at_ms": at})
		t.activity(ActivitySpeechStarted)
		if t.phase == PhaseSilenceDetected {
			t.setPhase(PhaseRecording)
		}
	case vad.SpeechEnd:
		t.record(eventlog.EventSpeechEnded, map[string]any{"at_ms": at})
		t.activity(ActivitySpeechEnded)
	}
}

func (t *turn) onSilence(ev silence.Event) bool {
	switch ev.Type {
	case silence.SilenceStart:
		t.record(eventlog.EventSilenceStarted, map[string]any{"fire": ev.Fire, "level": ev.Level})
		t.activity(ActivitySilenceStarted)
		return t.silenceRound()
	case silence.SilenceEnd:
		t.generation++
		t.refires = 0
		t.record(eventlog.EventSilenceEnded, map[string]any{"level": ev.Level})
		t.activity(ActivitySilenceEnded)
		if t.phase == PhaseSilenceDetected {
			t.setPhase(PhaseRecording)
		}
	}
	return false
}

// silenceRound runs one silence-triggered classification attempt.
func (t *turn) silenceRound() bool {
	if t.phase != PhaseRecording && t.phase != PhaseSilenceDetected {
		return false
	}
	t.refires++
	if t.refires > t.cfg.MaxSilenceRefires {
		t.record(eventlog.EventSilenceCapReached, map[string]any{"rounds": t.refires - 1})
		t.logger.Infow("engine: silence cap reached, treating as done", "rounds", t.refires-1)
		t.refires = 0
		return t.donePath("silence_cap")
	}

	text := t.asm.Text()
	words := stt.WordCount(text)
	req := llm.TurnRequest{Question: t.q.Prompt, Transcript: text}
	out := t.classifier.Request(t.capture, req, t.generation, func(v turnend.Verdict) {
		t.post(verdictEvent{v})
	})
	t.o.deps.Metrics.RecordClassification(out.String())

	switch out {
	case turnend.TooShort:
		t.record(eventlog.EventClassificationSkipped, map[string]any{"words": words})
	case turnend.Coalesced:
		t.record(eventlog.EventClassificationCoalesced, map[string]any{"generation": t.generation})
	case turnend.Started:
		t.usage.ClassifierCalls++
		t.record(eventlog.EventClassificationRequested, map[string]any{"generation": t.generation, "words": words})
		t.setPhase(PhaseSilenceDetected)
	}
	return false
}

func (t *turn) onVerdict(v turnend.Verdict) bool {
	t.usage.PromptTokens += v.Usage.PromptTokens
	t.usage.CompletionTokens += v.Usage.CompletionTokens
	t.o.deps.Metrics.RecordVerdict(string(v.Decision), v.TimedOut, v.Latency)

	if v.Generation != t.generation || t.phase != PhaseSilenceDetected {
		t.logger.Debugw("engine: stale verdict dropped", "generation", v.Generation, "current", t.generation, "phase", t.phase.String())
		t.record(eventlog.EventVerdictStale, map[string]any{"generation": v.Generation, "current": t.generation})
		t.o.deps.Metrics.RecordStaleVerdict()
		return false
	}

	data := map[string]any{
		"decision":   string(v.Decision),
		"reason":     v.Reason,
		"timed_out":  v.TimedOut,
		"latency_ms": v.Latency.Milliseconds(),
	}
	if v.Err != nil {
		data["error"] = v.Err.Error()
	}
	t.record(eventlog.EventVerdict, data)

	switch v.Decision {
	case llm.DecisionDone:
		return t.donePath("classifier")
	case llm.DecisionAsk:
		t.setPhase(PhaseAskingDone)
		t.warn(WarningConfirmDone)
		t.play(tts.KindNudge, []string{t.cfg.NudgeText})
		t.confirm = time.NewTimer(t.cfg.ConfirmTimeout)
	default:
		t.setPhase(PhaseRecording)
	}
	return false
}

func (t *turn) confirmTimedOut() {
	if t.phase != PhaseAskingDone {
		return
	}
	t.record(eventlog.EventConfirmTimeout, map[string]any{"after_ms": t.cfg.ConfirmTimeout.Milliseconds()})
	if t.playbackKind == tts.KindNudge {
		t.stopPlayback()
	}
	t.generation++
	t.refires = 0
	t.setPhase(PhaseRecording)
}

func (t *turn) signalDone() bool {
	if !t.answering() {
		t.logger.Debugw("engine: done signal ignored", "phase", t.phase.String())
		return false
	}
	return t.donePath("signal_done")
}

// donePath applies the short-answer guard before finishing. A short answer
// is warned about once and recording continues. Only the candidate's own
// signal can then finish it, as a manual override; automatic paths keep
// recording.
func (t *turn) donePath(reason string) bool {
	stopTimer(&t.confirm)
	if t.playbackKind == tts.KindNudge {
		t.stopPlayback()
	}

	words := stt.WordCount(t.asm.Text())
	if words >= t.cfg.MinAnswerWords {
		return t.finish(reason)
	}
	if t.warned && reason == "signal_done" {
		t.record(eventlog.EventManualOverride, map[string]any{"words": words, "reason": reason})
		return t.finish("manual_override")
	}

	t.generation++
	t.refires = 0
	t.record(eventlog.EventShortAnswer, map[string]any{"words": words, "reason": reason, "warned": t.warned})
	t.setPhase(PhaseRecording)
	if !t.warned {
		t.warned = true
		t.logger.Infow("engine: answer too short, continuing", "words", words, "reason", reason)
		t.warn(WarningShortAnswer)
	} else {
		t.logger.Debugw("engine: short answer still below minimum", "words", words, "reason", reason)
	}
	return false
}

func (t *turn) onTranscript(up stt.Update) {
	switch {
	case up.Degraded:
		t.markDegraded(up.Err)
	case up.Reconnected:
		t.logger.Infow("engine: transcription reconnected", "attempt", up.Attempt)
		t.record(eventlog.EventSTTReconnect, map[string]any{"attempt": up.Attempt})
		t.o.deps.Metrics.RecordSTTReconnect(false)
	}
	t.publish(up.Text)
}

func (t *turn) markDegraded(err error) {
	if t.degraded {
		return
	}
	t.degraded = true
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	t.record(eventlog.EventSTTDegraded, data)
	t.o.deps.Metrics.RecordSTTReconnect(true)
	t.warn(WarningSTTDegraded)
}

func (t *turn) onFailure(subsystem string, err error) {
	t.logger.Warnw("engine: subsystem failed", "subsystem", subsystem, "error", err)
	if subsystem == "stt" {
		t.markDegraded(err)
	}
}

func (t *turn) finish(reason string) bool {
	transcript := t.asm.Committed()
	if strings.TrimSpace(transcript) == "" {
		transcript = t.asm.Text()
	}
	answer := t.answerDuration()
	t.setPhase(PhaseFinished)
	t.teardown()

	res := Result{
		Outcome:         OutcomeFinished,
		Transcript:      transcript,
		DurationSeconds: answer.Seconds(),
		Source:          SourceIncremental,
		Reason:          reason,
	}
	if t.recorder != nil {
		res.Usage.STTSeconds = t.recorder.Seconds()
		t.retranscribe(&res)
	}
	t.complete(res)
	return true
}

// retranscribe replaces the streamed transcript with a batch pass over the
// recorded audio. Failure keeps the streamed transcript.
func (t *turn) retranscribe(res *Result) {
	batch := t.o.deps.Batch
	if batch == nil || t.recorder.Seconds() == 0 {
		return
	}
	wav, err := t.recorder.WAV()
	if err != nil {
		t.logger.Warnw("engine: encoding recording", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.BatchTimeout)
	defer cancel()

	text, err := batch.Transcribe(ctx, wav)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err == nil {
			err = errors.New("empty batch transcript")
		}
		t.logger.Warnw("engine: batch transcription failed, keeping streamed transcript", "error", err)
		t.record(eventlog.EventBatchTranscriptFailed, map[string]any{"error": err.Error()})
		return
	}
	t.asm.Replace(text)
	res.Transcript = text
	res.Source = SourceBatch
	res.Usage.BatchSeconds = t.recorder.Seconds()
	t.record(eventlog.EventBatchTranscriptReplaced, map[string]any{"words": stt.WordCount(text)})
	t.publish(text)
}

func (t *turn) micError(err error) {
	t.logger.Errorw("engine: microphone failure", "error", err)
	t.o.report(err)
	t.record(eventlog.EventMicError, map[string]any{"error": err.Error()})

	transcript := t.asm.Text()
	answer := t.answerDuration()
	t.setPhase(PhaseMicError)
	t.teardown()
	t.complete(Result{
		Outcome:         OutcomeMicError,
		Transcript:      transcript,
		DurationSeconds: answer.Seconds(),
		Source:          SourceIncremental,
		Reason:          err.Error(),
		Err:             err,
	})
}

func (t *turn) abortTurn(reason string) {
	transcript := t.asm.Text()
	answer := t.answerDuration()
	t.teardown()
	t.setPhase(PhaseReady)
	t.complete(Result{
		Outcome:         OutcomeAborted,
		Transcript:      transcript,
		DurationSeconds: answer.Seconds(),
		Source:          SourceIncremental,
		Reason:          reason,
	})
}

func (t *turn) answerDuration() time.Duration {
	if t.recordingAt.IsZero() {
		return 0
	}
	return time.Since(t.recordingAt)
}

// teardown stops every subsystem of the turn. It runs once, from the loop,
// whatever the exit path.
func (t *turn) teardown() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		stopTimer(&t.pause)
		stopTimer(&t.confirm)
		if t.captureCancel != nil {
			t.captureCancel()
		}
		if t.handle != nil {
			t.handle.Release()
		}
		if t.group != nil {
			_ = t.group.Wait()
		}
		if t.o.deps.Player != nil {
			t.o.deps.Player.Stop()
		}
		if t.classifier != nil {
			t.classifier.Wait()
		}
	})
}

func (t *turn) complete(res Result) {
	res.TurnID = t.id
	res.QuestionID = t.q.ID
	res.Attempt = t.attempt
	res.StartedAt = t.startedAt
	res.EndedAt = time.Now()
	res.Usage.ClassifierCalls += t.usage.ClassifierCalls
	res.Usage.PromptTokens += t.usage.PromptTokens
	res.Usage.CompletionTokens += t.usage.CompletionTokens
	res.Usage.TTSCharacters += t.usage.TTSCharacters

	t.o.deps.Metrics.RecordTurnEnd(string(res.Outcome), time.Duration(res.DurationSeconds*float64(time.Second)))

	typ := eventlog.EventTurnFinished
	if res.Outcome == OutcomeAborted {
		typ = eventlog.EventTurnAborted
	}
	t.record(typ, map[string]any{
		"outcome":          string(res.Outcome),
		"reason":           res.Reason,
		"words":            stt.WordCount(res.Transcript),
		"duration_seconds": res.DurationSeconds,
		"source":           string(res.Source),
	})
	t.logger.Infow("engine: turn ended",
		"outcome", string(res.Outcome),
		"reason", res.Reason,
		"words", stt.WordCount(res.Transcript),
		"duration_seconds", res.DurationSeconds)

	t.o.complete(res)
	out := res
	t.o.notify(Notification{Kind: NotifyResult, TurnID: t.id, Phase: t.phase, Result: &out})
	t.ended.Store(true)

	if t.o.deps.Archive != nil && res.Outcome != OutcomeAborted {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), archiveLimit)
		defer cancel()
		if err := t.o.deps.Archive.ArchiveTurn(ctx, t.q, res); err != nil {
			t.logger.Errorw("engine: archiving turn", "error", err)
			t.o.report(err)
		}
	}
}

func stopTimer(tm **time.Timer) {
	if *tm != nil {
		(*tm).Stop()
		*tm = nil
	}
}
