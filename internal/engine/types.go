// Package engine runs one interview turn at a time: it speaks the question,
// records the answer, decides when the candidate is finished and hands back
// the transcript.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/lukasbauer/rehearsal/internal/audio"
	"github.com/lukasbauer/rehearsal/internal/eventlog"
	"github.com/lukasbauer/rehearsal/internal/llm"
	"github.com/lukasbauer/rehearsal/internal/silence"
	"github.com/lukasbauer/rehearsal/internal/stt"
	"github.com/lukasbauer/rehearsal/internal/tts"
	"github.com/lukasbauer/rehearsal/internal/turnend"
	"github.com/lukasbauer/rehearsal/internal/vad"
	"go.uber.org/zap"
)

var (
	// ErrTurnActive is returned by StartTurn while another turn is running.
	ErrTurnActive = errors.New("engine: a turn is already active")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: orchestrator closed")
)

// Phase is the externally visible state of a turn.
type Phase int

const (
	PhaseReady Phase = iota
	PhaseSpeakingQuestion
	PhaseThinking
	PhaseRecording
	PhaseSilenceDetected
	PhaseAskingDone
	PhaseFinished
	PhaseMicError
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseSpeakingQuestion:
		return "speaking_question"
	case PhaseThinking:
		return "thinking"
	case PhaseRecording:
		return "recording"
	case PhaseSilenceDetected:
		return "silence_detected"
	case PhaseAskingDone:
		return "asking_done"
	case PhaseFinished:
		return "finished"
	case PhaseMicError:
		return "mic_error"
	default:
		return "unknown"
	}
}

// MarshalText lets phases travel as strings in JSON notifications.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseMicError
}

// Question is supplied by the caller and never modified.
type Question struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Role       string `json:"role,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
	Category   string `json:"category,omitempty"`
}

type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeMicError Outcome = "mic_error"
	OutcomeAborted  Outcome = "aborted"
)

// TranscriptSource says which recognizer produced Result.Transcript.
type TranscriptSource string

const (
	SourceIncremental TranscriptSource = "incremental"
	SourceBatch       TranscriptSource = "batch"
)

// Usage counts provider work done during a turn.
type Usage struct {
	STTSeconds       float64 `json:"stt_seconds"`
	BatchSeconds     float64 `json:"batch_seconds"`
	ClassifierCalls  int     `json:"classifier_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TTSCharacters    int     `json:"tts_characters"`
}

// Result is the terminal value of a turn.
type Result struct {
	TurnID          string           `json:"turn_id"`
	QuestionID      string           `json:"question_id"`
	Attempt         int              `json:"attempt"`
	Outcome         Outcome          `json:"outcome"`
	Transcript      string           `json:"transcript"`
	DurationSeconds float64          `json:"duration_seconds"`
	Source          TranscriptSource `json:"source"`
	Reason          string           `json:"reason,omitempty"`
	Err             error            `json:"-"`
	StartedAt       time.Time        `json:"started_at"`
	EndedAt         time.Time        `json:"ended_at"`
	Usage           Usage            `json:"usage"`
}

// Snapshot is a read-only view of the current turn.
type Snapshot struct {
	TurnID     string
	QuestionID string
	Attempt    int
	Phase      Phase
	Transcript string
}

// Config is the turn policy.
type Config struct {
	// MinAnswerWords is the floor for finishing through the done-path.
	MinAnswerWords int
	// MaxSilenceRefires caps consecutive silence-triggered classification
	// rounds without intervening speech; the next round is treated as done.
	MaxSilenceRefires int
	ThinkingPause     time.Duration
	ConfirmTimeout    time.Duration
	BatchTimeout      time.Duration
	NudgeText         string
	Voice             string
	Speed             float64

	VAD        vad.Config
	Silence    silence.Config
	Classifier turnend.Config
	STT        stt.SessionConfig

	// Reporter receives device and invariant errors.
	Reporter func(error)
}

func DefaultConfig() Config {
	return Config{
		MinAnswerWords:    10,
		MaxSilenceRefires: 5,
		ThinkingPause:     time.Second,
		ConfirmTimeout:    15 * time.Second,
		BatchTimeout:      30 * time.Second,
		NudgeText:         "It sounds like you may be finished. Say done, or press done, when you are ready to move on.",
		Speed:             1,
		VAD:               vad.DefaultConfig,
		Silence:           silence.DefaultConfig,
		Classifier:        turnend.DefaultConfig,
		STT:               stt.DefaultSessionConfig,
	}
}

// Capture opens the microphone for a turn.
type Capture interface {
	Acquire(ctx context.Context, turnID string) (*audio.Handle, error)
}

// Player speaks utterances; *tts.Arbiter implements it.
type Player interface {
	Play(ctx context.Context, req tts.Request) <-chan error
	Stop()
}

// EventRecorder stores per-turn audit events; *eventlog.Logger implements it.
type EventRecorder interface {
	LogAsync(turnID string, eventType eventlog.EventType, data map[string]any)
}

// Archiver persists terminal results.
type Archiver interface {
	ArchiveTurn(ctx context.Context, q Question, r Result) error
}

// ArchiveFunc adapts a function to Archiver.
type ArchiveFunc func(ctx context.Context, q Question, r Result) error

func (f ArchiveFunc) ArchiveTurn(ctx context.Context, q Question, r Result) error {
	return f(ctx, q, r)
}

// Metrics is the subset of *metrics.Metrics the engine records into.
type Metrics interface {
	RecordTurnStart()
	RecordTurnEnd(outcome string, answer time.Duration)
	RecordClassification(result string)
	RecordVerdict(decision string, timedOut bool, latency time.Duration)
	RecordStaleVerdict()
	RecordSTTReconnect(degraded bool)
}

// Deps are the collaborators of an Orchestrator. Batch, Events, Archive and
// Metrics are optional.
type Deps struct {
	Capture    Capture
	VAD        vad.Factory
	Dialer     stt.Dialer
	Batch      stt.BatchTranscriber
	Classifier llm.Client
	Player     Player
	Events     EventRecorder
	Archive    Archiver
	Metrics    Metrics
	Logger     *zap.SugaredLogger
}
