package cli

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	notes    chan engine.Notification
	started  []string
	optCount []int
	current  string
	question string
	attempts map[string]int
	aborts   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		notes:    make(chan engine.Notification, 64),
		attempts: make(map[string]int),
	}
}

func (f *fakeEngine) Notifications() <-chan engine.Notification { return f.notes }

func (f *fakeEngine) StartTurn(_ context.Context, q engine.Question, opts ...engine.TurnOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, q.ID)
	f.optCount = append(f.optCount, len(opts))
	f.attempts[q.ID]++
	f.current = fmt.Sprintf("turn-%d", len(f.started))
	f.question = q.ID
	f.notes <- engine.Notification{Kind: engine.NotifyPhase, TurnID: f.current, Phase: engine.PhaseRecording}
	return f.current, nil
}

func (f *fakeEngine) SignalDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes <- engine.Notification{Kind: engine.NotifyTranscript, TurnID: f.current, Transcript: "I led the migration"}
	f.notes <- engine.Notification{Kind: engine.NotifyResult, TurnID: f.current, Result: &engine.Result{
		TurnID:          f.current,
		QuestionID:      f.question,
		Attempt:         f.attempts[f.question],
		Outcome:         engine.OutcomeFinished,
		Transcript:      "I led the migration",
		DurationSeconds: 42,
	}}
}

func (f *fakeEngine) AbortTurn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.notes <- engine.Notification{Kind: engine.NotifyResult, TurnID: f.current, Result: &engine.Result{
		TurnID:  f.current,
		Outcome: engine.OutcomeAborted,
	}}
}

// scriptedTerminal answers prompts the way a candidate at the keyboard would.
// turnInput is typed while an answer is recorded, menuInput at the
// retry/next/quit prompt.
type scriptedTerminal struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	lines     chan string
	turnInput []string
	menuInput []string
	onTurn    func()
}

func newScriptedTerminal(turn, menu []string) *scriptedTerminal {
	return &scriptedTerminal{lines: make(chan string), turnInput: turn, menuInput: menu}
}

func (s *scriptedTerminal) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := string(p)
	switch {
	case strings.Contains(text, "Press Enter when you are done"):
		if s.onTurn != nil {
			go s.onTurn()
		} else {
			s.feed(&s.turnInput)
		}
	case strings.Contains(text, "[r]etry"):
		s.feed(&s.menuInput)
	}
	return s.buf.Write(p)
}

func (s *scriptedTerminal) feed(queue *[]string) {
	if len(*queue) == 0 {
		return
	}
	line := (*queue)[0]
	*queue = (*queue)[1:]
	go func() { s.lines <- line }()
}

func (s *scriptedTerminal) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newTestSession(eng *fakeEngine, term *scriptedTerminal) *practiceSession {
	return &practiceSession{engine: eng, out: term, lines: term.lines}
}

func runWithTimeout(t *testing.T, p *practiceSession, ctx context.Context, qs []engine.Question) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- p.run(ctx, qs) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("practice session did not finish")
		return nil
	}
}

var testQuestions = []engine.Question{
	{ID: "conflict", Prompt: "Tell me about a disagreement."},
	{ID: "failure", Prompt: "Describe a project that failed."},
}

func TestPractice_DoneThenNext(t *testing.T) {
	eng := newFakeEngine()
	term := newScriptedTerminal([]string{"", ""}, []string{"n", "n"})

	err := runWithTimeout(t, newTestSession(eng, term), context.Background(), testQuestions)
	require.NoError(t, err)

	assert.Equal(t, []string{"conflict", "failure"}, eng.started)
	out := term.String()
	assert.Contains(t, out, "Question 1 of 2: Tell me about a disagreement.")
	assert.Contains(t, out, "Question 2 of 2: Describe a project that failed.")
	assert.Contains(t, out, "● recording")
	assert.Contains(t, out, "Attempt 1: 4 words in 42s")
	assert.Contains(t, out, "Estimated cost: 0 cents")
	assert.Contains(t, out, "All questions done.")
}

func TestPractice_RetryRepeatsQuestion(t *testing.T) {
	eng := newFakeEngine()
	term := newScriptedTerminal([]string{"", ""}, []string{"r", "n"})

	err := runWithTimeout(t, newTestSession(eng, term), context.Background(), testQuestions[:1])
	require.NoError(t, err)

	assert.Equal(t, []string{"conflict", "conflict"}, eng.started)
	assert.Contains(t, term.String(), "Attempt 2: 4 words")
}

func TestPractice_AbortThenQuit(t *testing.T) {
	eng := newFakeEngine()
	term := newScriptedTerminal([]string{"a"}, []string{"q"})

	err := runWithTimeout(t, newTestSession(eng, term), context.Background(), testQuestions)
	require.NoError(t, err)

	assert.Equal(t, []string{"conflict"}, eng.started)
	assert.Equal(t, 1, eng.aborts)
	out := term.String()
	assert.Contains(t, out, "Answer abandoned.")
	assert.NotContains(t, out, "All questions done.")
}

func TestPractice_ArchiveContinuesAttempts(t *testing.T) {
	eng := newFakeEngine()
	term := newScriptedTerminal([]string{""}, []string{"n"})
	p := newTestSession(eng, term)

	var asked []string
	p.nextAttempt = func(_ context.Context, questionID string) (int, error) {
		asked = append(asked, questionID)
		return 7, nil
	}

	err := runWithTimeout(t, p, context.Background(), testQuestions[:1])
	require.NoError(t, err)
	assert.Equal(t, []string{"conflict"}, asked)
	assert.Equal(t, []int{1}, eng.optCount)
}

func TestPractice_CancelAbortsTurn(t *testing.T) {
	eng := newFakeEngine()
	term := newScriptedTerminal(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	term.onTurn = cancel

	err := runWithTimeout(t, newTestSession(eng, term), ctx, testQuestions)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, eng.aborts)
}

func TestWarningText(t *testing.T) {
	assert.Contains(t, warningText(engine.WarningShortAnswer), "short")
	assert.Contains(t, warningText(engine.WarningConfirmDone), "finished")
	assert.Empty(t, warningText("something_else"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	assert.Equal(t, "…cdef", tail("abcdef", 4))
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Equal(t, "No attempts yet.\n", buf.String())

	buf.Reset()
	printHistory(&buf, []store.TurnListItem{{
		QuestionID:      "conflict",
		Attempt:         3,
		Outcome:         "finished",
		WordCount:       120,
		DurationSeconds: 65.4,
		EndedAt:         time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local),
	}})
	out := buf.String()
	assert.Contains(t, out, "QUESTION")
	assert.Contains(t, out, "2026-03-01 09:30")
	assert.Contains(t, out, "conflict")
	assert.Contains(t, out, "1m5s")
}
