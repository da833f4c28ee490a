package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lukasbauer/rehearsal/internal/app"
	"github.com/lukasbauer/rehearsal/internal/audio"
	"github.com/lukasbauer/rehearsal/internal/costs"
	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/tts"
)

// turnEngine is the part of the orchestrator a practice session drives.
type turnEngine interface {
	Notifications() <-chan engine.Notification
	StartTurn(ctx context.Context, q engine.Question, opts ...engine.TurnOption) (string, error)
	SignalDone()
	AbortTurn()
}

// attemptLookup continues attempt numbering from the archive.
type attemptLookup func(ctx context.Context, questionID string) (int, error)

func newPracticeCmd() *cobra.Command {
	var (
		questionsPath string
		only          []string
		candidate     string
		archive       bool
	)
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Answer questions from a question bank out loud",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPractice(cmd, questionsPath, only, candidate, archive)
		},
	}
	cmd.Flags().StringVarP(&questionsPath, "questions", "q", "questions.yaml", "question bank (yaml, json or toml)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "practice only these question ids")
	cmd.Flags().StringVar(&candidate, "candidate", "local", "candidate id recorded with archived turns")
	cmd.Flags().BoolVar(&archive, "archive", false, "archive turns in DATABASE_URL")
	return cmd
}

func runPractice(cmd *cobra.Command, questionsPath string, only []string, candidate string, archive bool) error {
	cfg := app.LoadConfigFromEnv()
	logger, err := app.NewLogger(flagLogLevel, "development")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	bank, err := loadQuestions(questionsPath)
	if err != nil {
		return err
	}
	questions, err := selectQuestions(bank, only)
	if err != nil {
		return err
	}

	var a *app.App
	if archive {
		if a, err = app.New(cfg, logger); err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
	} else {
		a = app.NewLocal(cfg, logger)
	}
	defer a.Close()

	speaker, err := tts.NewOtoSpeaker()
	if err != nil {
		return err
	}
	gateway := audio.NewGateway(audio.NewMalgoSource(logger), audio.DefaultFormat, audio.DefaultCompressorConfig, logger)
	orch := a.NewEngine(candidate, gateway, speaker)
	defer orch.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &practiceSession{
		engine:  orch,
		out:     cmd.OutOrStdout(),
		lines:   readLines(cmd.InOrStdin()),
		pricing: cfg.Pricing,
	}
	if s := a.Store(); s != nil {
		p.nextAttempt = func(ctx context.Context, questionID string) (int, error) {
			return s.NextAttempt(ctx, candidate, questionID)
		}
	}

	err = p.run(ctx, questions)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(p.out, "\nStopped.")
		return nil
	}
	return err
}

// practiceSession walks the candidate through questions on the terminal.
// Enter signals done; "a" then Enter abandons the answer.
type practiceSession struct {
	engine      turnEngine
	out         io.Writer
	lines       <-chan string
	pricing     costs.Pricing
	nextAttempt attemptLookup

	transcriptShown bool
}

func (p *practiceSession) run(ctx context.Context, questions []engine.Question) error {
	for i := 0; i < len(questions); {
		q := questions[i]
		fmt.Fprintf(p.out, "\nQuestion %d of %d: %s\n", i+1, len(questions), q.Prompt)

		res, err := p.answer(ctx, q)
		if err != nil {
			return err
		}
		p.printResult(res)

		choice, err := p.ask(ctx, "[r]etry, [n]ext or [q]uit? ")
		if err != nil {
			return err
		}
		switch strings.ToLower(choice) {
		case "r", "retry":
			continue
		case "q", "quit":
			return nil
		default:
			i++
		}
	}
	fmt.Fprintln(p.out, "\nAll questions done.")
	return nil
}

func (p *practiceSession) answer(ctx context.Context, q engine.Question) (engine.Result, error) {
	var opts []engine.TurnOption
	if p.nextAttempt != nil {
		if n, err := p.nextAttempt(ctx, q.ID); err == nil {
			opts = append(opts, engine.WithAttempt(n))
		}
	}

	turnID, err := p.engine.StartTurn(ctx, q, opts...)
	if err != nil {
		return engine.Result{}, fmt.Errorf("start turn: %w", err)
	}
	fmt.Fprintln(p.out, "Press Enter when you are done, or type a and Enter to abandon the answer.")
	p.transcriptShown = false

	notes := p.engine.Notifications()
	for {
		select {
		case <-ctx.Done():
			p.engine.AbortTurn()
			return engine.Result{}, ctx.Err()

		case line, ok := <-p.lines:
			if !ok {
				p.lines = nil
				p.engine.AbortTurn()
				continue
			}
			if strings.EqualFold(strings.TrimSpace(line), "a") {
				p.engine.AbortTurn()
			} else {
				p.engine.SignalDone()
			}

		case n, ok := <-notes:
			if !ok {
				return engine.Result{}, errors.New("engine closed")
			}
			if n.TurnID != turnID {
				continue
			}
			p.render(n)
			if n.Kind == engine.NotifyResult && n.Result != nil {
				return *n.Result, nil
			}
		}
	}
}

func (p *practiceSession) render(n engine.Notification) {
	switch n.Kind {
	case engine.NotifyPhase:
		if label := phaseLabel(n.Phase); label != "" {
			p.endTranscriptLine()
			fmt.Fprintln(p.out, label)
		}
	case engine.NotifyTranscript:
		fmt.Fprintf(p.out, "\r\033[K  %s", tail(n.Transcript, 100))
		p.transcriptShown = true
	case engine.NotifyWarning:
		if msg := warningText(n.Code); msg != "" {
			p.endTranscriptLine()
			fmt.Fprintln(p.out, "! "+msg)
		}
	}
}

func (p *practiceSession) endTranscriptLine() {
	if p.transcriptShown {
		fmt.Fprintln(p.out)
		p.transcriptShown = false
	}
}

func (p *practiceSession) printResult(r engine.Result) {
	p.endTranscriptLine()
	switch r.Outcome {
	case engine.OutcomeAborted:
		fmt.Fprintln(p.out, "Answer abandoned.")
		return
	case engine.OutcomeMicError:
		if r.Err != nil {
			fmt.Fprintf(p.out, "Microphone problem: %v\n", r.Err)
		} else {
			fmt.Fprintln(p.out, "Microphone problem.")
		}
	}

	words := len(strings.Fields(r.Transcript))
	fmt.Fprintf(p.out, "Attempt %d: %d words in %s\n", r.Attempt, words, (time.Duration(r.DurationSeconds * float64(time.Second))).Round(time.Second))
	if r.Transcript != "" {
		fmt.Fprintf(p.out, "\n%s\n\n", r.Transcript)
	}

	c := p.pricing.CalculateTurnCosts(costs.TurnMetrics{
		STTSeconds:      r.Usage.STTSeconds,
		BatchSeconds:    r.Usage.BatchSeconds,
		LLMInputTokens:  r.Usage.PromptTokens,
		LLMOutputTokens: r.Usage.CompletionTokens,
		TTSCharacters:   r.Usage.TTSCharacters,
	})
	fmt.Fprintf(p.out, "Estimated cost: %d cents\n", c.TotalCostCents)
}

func (p *practiceSession) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if p.lines == nil {
		return "q", nil
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "q", nil
		}
		return strings.TrimSpace(line), nil
	}
}

func phaseLabel(ph engine.Phase) string {
	switch ph {
	case engine.PhaseSpeakingQuestion:
		return "(asking)"
	case engine.PhaseThinking:
		return "(take a moment)"
	case engine.PhaseRecording:
		return "● recording"
	default:
		return ""
	}
}

func warningText(code string) string {
	switch code {
	case engine.WarningShortAnswer:
		return "That answer is quite short. Keep going, or press Enter again to finish anyway."
	case engine.WarningConfirmDone:
		return "Sounds like you might be finished. Press Enter to move on, or keep talking."
	case engine.WarningSTTDegraded:
		return "Live transcription is struggling. Your recording is still captured."
	case engine.WarningPlaybackLost:
		return "Could not play audio. Read the question above."
	default:
		return ""
	}
}

// tail returns the last n runes of s.
func tail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
