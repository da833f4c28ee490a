package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/eventlog"
	"github.com/lukasbauer/rehearsal/internal/metrics"
	"github.com/lukasbauer/rehearsal/internal/store"
	"github.com/lukasbauer/rehearsal/internal/tts"
)

// Engine is the turn orchestrator as the interview websocket drives it.
type Engine interface {
	Notifications() <-chan engine.Notification
	StartTurn(ctx context.Context, q engine.Question, opts ...engine.TurnOption) (string, error)
	SignalDone()
	AbortTurn()
	Snapshot() engine.Snapshot
	Close()
}

// EngineFactory builds the orchestrator of one interview session.
type EngineFactory func(candidateID string, capture engine.Capture, speaker tts.Speaker) Engine

// TurnStore is the archive the turn history endpoints read.
type TurnStore interface {
	GetTurn(ctx context.Context, candidateID, id string) (*store.Turn, error)
	ListTurnsByCandidate(ctx context.Context, candidateID, questionID string, limit int) ([]store.TurnListItem, error)
	NextAttempt(ctx context.Context, candidateID, questionID string) (int, error)
}

// EventLister reads the per-turn event log.
type EventLister interface {
	ListEvents(ctx context.Context, turnID string) ([]eventlog.Event, error)
}

type RouterConfig struct {
	PublicBaseURL string
	CORSOrigins   []string

	// JWT Authentication
	JWTSecret string

	NewEngine EngineFactory
}

type Router struct {
	cfg      RouterConfig
	logger   *zap.SugaredLogger
	turns    TurnStore
	events   EventLister
	metrics  *metrics.Metrics
	sessions *SessionRegistry
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *zap.SugaredLogger, turns TurnStore, events EventLister, m *metrics.Metrics, sessions *SessionRegistry) http.Handler {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		turns:    turns,
		events:   events,
		metrics:  m,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(cfg.CORSOrigins, r.mux))
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	if r.metrics != nil {
		r.mux.Handle("GET /metrics", r.metrics.Handler())
	}

	// Interview control surface
	r.mux.HandleFunc("GET /ws/interview", r.withAuth(r.handleInterviewWS))

	// Attempt history (protected)
	if r.turns == nil {
		return
	}
	r.mux.HandleFunc("GET /api/turns", r.withAuth(r.handleListTurns))
	r.mux.HandleFunc("GET /api/turns/{id}", r.withAuth(r.handleGetTurn))
	r.mux.HandleFunc("GET /api/turns/{id}/events", r.withAuth(r.handleGetTurnEvents))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.sessions.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("draining"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// withCORS allows the listed origins, or any origin when the list is empty.
func withCORS(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		switch {
		case len(allowed) == 0:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// originAllowed applies the CORS list to websocket upgrades.
func (r *Router) originAllowed(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || len(r.cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range r.cfg.CORSOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

func nowUTC() time.Time { return time.Now().UTC() }

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

// InterviewURL is the websocket address clients connect to.
func InterviewURL(publicBase string) string {
	return wsURLFromPublicBase(publicBase) + "/ws/interview"
}

func wsURLFromPublicBase(publicBase string) string {
	publicBase = strings.TrimSuffix(publicBase, "/")
	// http://x -> ws://x
	// https://x -> wss://x
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}
