package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/lukasbauer/rehearsal/internal/app"
	"github.com/lukasbauer/rehearsal/internal/httpapi"
)

// drainTimeout is how long shutdown waits for candidates to finish their
// current answer before sessions are ended.
const drainTimeout = 60 * time.Second

func main() {
	cfg := app.LoadConfigFromEnv()

	logger, err := app.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2, // 20% of requests for performance monitoring
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Warnw("sentry init failed", "error", err)
		} else {
			logger.Infow("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	if cfg.JWTSecret == "" {
		logger.Fatalw("JWT_SECRET is required")
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalw("init app", "error", err)
	}
	a.Start()

	sessions := httpapi.NewSessionRegistry()
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.Router(sessions),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infow("listening", "addr", cfg.HTTPAddr, "interview_url", httpapi.InterviewURL(cfg.PublicBaseURL))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()

	// Stop taking interviews and let open answers finish.
	sessions.StartDraining()
	logger.Infow("draining", "active_sessions", sessions.ActiveCount())
	if !waitTimeout(sessions.Wait, drainTimeout) {
		logger.Warnw("drain timed out, ending sessions", "active_sessions", sessions.ActiveCount())
		sessions.StopAll()
		waitTimeout(sessions.Wait, 10*time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = a.Close()
}

// waitTimeout runs wait and reports whether it returned within d.
func waitTimeout(wait func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
