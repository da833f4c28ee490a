package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/costs"
	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/eventlog"
	"github.com/lukasbauer/rehearsal/internal/httpapi"
	"github.com/lukasbauer/rehearsal/internal/jobs"
	"github.com/lukasbauer/rehearsal/internal/llm"
	"github.com/lukasbauer/rehearsal/internal/metrics"
	"github.com/lukasbauer/rehearsal/internal/store"
	"github.com/lukasbauer/rehearsal/internal/stt"
	"github.com/lukasbauer/rehearsal/internal/tts"
	"github.com/lukasbauer/rehearsal/internal/vad"
)

type App struct {
	cfg       Config
	logger    *zap.SugaredLogger
	db        *pgxpool.Pool
	store     *store.Store
	eventLog  *eventlog.Logger
	metrics   *metrics.Metrics
	retention *jobs.RetentionJob

	// Provider clients are safe for concurrent use and shared by sessions.
	dialer     stt.Dialer
	batch      stt.BatchTranscriber
	classifier llm.Client
	voice      tts.Client
	fallback   tts.Client
}

func New(cfg Config, logger *zap.SugaredLogger) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Migrations are applied externally by the deploy job (psql -f migrations/*.sql).
	// No automatic migration runner at startup.

	s := store.New(db)
	a := newApp(cfg, logger)
	a.db = db
	a.store = s
	a.eventLog = eventlog.New(db)
	a.retention = jobs.NewRetentionJob(s, logger, cfg.Retention, cfg.RetentionInterval)
	return a, nil
}

// NewLocal wires the providers without a database. Turns are neither
// archived nor event-logged.
func NewLocal(cfg Config, logger *zap.SugaredLogger) *App {
	a := newApp(cfg, logger)
	a.eventLog = eventlog.New(nil)
	return a
}

func newApp(cfg Config, logger *zap.SugaredLogger) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New("rehearsal"),
	}
	a.initProviders()
	return a
}

func (a *App) initProviders() {
	cfg := a.cfg
	a.dialer = stt.NewDeepgramDialer(stt.DeepgramConfig{
		APIKey:         cfg.DeepgramAPIKey,
		Language:       cfg.Language,
		Model:          cfg.DeepgramModel,
		Punctuate:      true,
		Endpointing:    cfg.STTEndpointingMs,
		UtteranceEndMs: cfg.STTUtteranceEndMs,
	}, a.logger)

	if cfg.BatchTranscription && cfg.OpenAIAPIKey != "" {
		a.batch = stt.NewWhisperClient(stt.WhisperConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    cfg.WhisperModel,
			Language: cfg.Language,
			Timeout:  cfg.BatchTimeout,
		})
	}

	a.classifier = llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.ClassifierModel,
	})

	if cfg.ElevenLabsAPIKey != "" {
		a.voice = tts.NewElevenLabsClient(tts.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			VoiceID:    cfg.TTSVoiceID,
			ModelID:    cfg.TTSModelID,
			Stability:  cfg.TTSStability,
			Similarity: cfg.TTSSimilarity,
			MaxRetries: cfg.TTSMaxRetries,
		})
	}
	a.fallback = tts.NewLocalSynth(cfg.EspeakBinary, cfg.EspeakVoice)
	if a.voice == nil {
		a.logger.Warnw("app: ELEVENLABS_API_KEY not set, speaking with local synthesis only")
		a.voice = a.fallback
	}
}

// Start launches background jobs.
func (a *App) Start() {
	if a.retention != nil {
		a.retention.Start()
	}
}

// Store is the turn archive, nil for a local app.
func (a *App) Store() *store.Store { return a.store }

// Config returns the loaded configuration.
func (a *App) Config() Config { return a.cfg }

// NewEngine builds an orchestrator for one interview session. Audio comes
// from capture and spoken output goes to speaker.
func (a *App) NewEngine(candidateID string, capture engine.Capture, speaker tts.Speaker) *engine.Orchestrator {
	logger := a.logger.With("candidate_id", candidateID)

	arbiter := tts.NewArbiter(a.voice, a.fallback, speaker, logger)
	arbiter.OnFallback = func(req tts.Request, err error) {
		a.metrics.RecordPlaybackFallback(string(req.Kind))
		turnID, _, _ := strings.Cut(req.ID, "/")
		a.eventLog.LogAsync(turnID, eventlog.EventPlaybackFallback, map[string]any{
			"kind":  string(req.Kind),
			"error": err.Error(),
		})
	}

	cfg := a.cfg.EngineConfig()
	cfg.Reporter = reportToSentry

	var archive engine.Archiver
	if a.store != nil {
		archive = a.archiver(candidateID)
	}

	return engine.New(cfg, engine.Deps{
		Capture:    capture,
		VAD:        vad.NewFactory(a.cfg.VADClassifier()),
		Dialer:     a.dialer,
		Batch:      a.batch,
		Classifier: a.classifier,
		Player:     arbiter,
		Events:     a.eventLog,
		Archive:    archive,
		Metrics:    a.metrics,
		Logger:     logger,
	})
}

// archiver stores finished and failed turns with their cost estimate.
func (a *App) archiver(candidateID string) engine.Archiver {
	return engine.ArchiveFunc(func(ctx context.Context, q engine.Question, r engine.Result) error {
		turn := store.Turn{
			ID:               r.TurnID,
			CandidateID:      candidateID,
			QuestionID:       q.ID,
			QuestionPrompt:   q.Prompt,
			Attempt:          r.Attempt,
			Outcome:          string(r.Outcome),
			Transcript:       r.Transcript,
			TranscriptSource: string(r.Source),
			DurationSeconds:  r.DurationSeconds,
			ClassifierCalls:  r.Usage.ClassifierCalls,
			Costs: a.cfg.Pricing.CalculateTurnCosts(costs.TurnMetrics{
				STTSeconds:      r.Usage.STTSeconds,
				BatchSeconds:    r.Usage.BatchSeconds,
				LLMInputTokens:  r.Usage.PromptTokens,
				LLMOutputTokens: r.Usage.CompletionTokens,
				TTSCharacters:   r.Usage.TTSCharacters,
			}),
			StartedAt: r.StartedAt,
			EndedAt:   r.EndedAt,
		}
		if r.Reason != "" {
			reason := r.Reason
			turn.Reason = &reason
		}
		return a.store.InsertTurn(ctx, turn)
	})
}

func reportToSentry(err error) {
	if err != nil {
		sentry.CaptureException(err)
	}
}

func (a *App) Router(sessions *httpapi.SessionRegistry) http.Handler {
	newEngine := func(candidateID string, capture engine.Capture, speaker tts.Speaker) httpapi.Engine {
		return a.NewEngine(candidateID, capture, speaker)
	}
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL: a.cfg.PublicBaseURL,
		CORSOrigins:   a.cfg.CORSOrigins,
		JWTSecret:     a.cfg.JWTSecret,
		NewEngine:     newEngine,
	}
	// A nil *store.Store must not reach the router as a non-nil interface.
	var turns httpapi.TurnStore
	if a.store != nil {
		turns = a.store
	}
	return httpapi.NewRouter(routerCfg, a.logger, turns, a.eventLog, a.metrics, sessions)
}

func (a *App) Close() error {
	if a.retention != nil {
		a.retention.Stop()
	}
	a.eventLog.Flush()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
