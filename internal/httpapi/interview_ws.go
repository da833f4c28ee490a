package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/audio"
	"github.com/lukasbauer/rehearsal/internal/engine"
	"github.com/lukasbauer/rehearsal/internal/metrics"
	"github.com/lukasbauer/rehearsal/internal/tts"
)

const (
	writeTimeout = 5 * time.Second
	// settleTimeout bounds how long a disconnect waits for the live turn to
	// end on device loss before the engine is closed.
	settleTimeout = 2 * time.Second
)

// clientMessage is a control message from the candidate's browser. Audio
// arrives separately as binary frames.
type clientMessage struct {
	Type       string           `json:"type"` // start_turn, signal_done, abort, snapshot
	Question   *engine.Question `json:"question,omitempty"`
	Transcript string           `json:"transcript,omitempty"` // resume an interrupted answer
}

// serverMessage is sent as a text frame. Playback audio goes out as binary
// PCM16 frames at tts.SampleRate.
type serverMessage struct {
	Type         string               `json:"type"` // ready, turn_started, notification, snapshot, playback_clear, error
	SessionID    string               `json:"session_id,omitempty"`
	TurnID       string               `json:"turn_id,omitempty"`
	Notification *engine.Notification `json:"notification,omitempty"`
	Snapshot     *engine.Snapshot     `json:"snapshot,omitempty"`
	Error        string               `json:"error,omitempty"`
	At           time.Time            `json:"at"`
}

// interviewSession is one websocket connection. It lives across turns: the
// candidate answers a sequence of questions over the same connection.
type interviewSession struct {
	id        string
	candidate *AuthCandidate

	conn   *websocket.Conn
	connMu sync.Mutex

	source  *audio.PushSource
	engine  Engine
	turns   TurnStore
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	forwarded chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func (r *Router) handleInterviewWS(w http.ResponseWriter, req *http.Request) {
	candidate := getAuthCandidate(req.Context())
	if candidate == nil {
		http.Error(w, `{"error": "not authenticated"}`, http.StatusUnauthorized)
		return
	}
	if r.cfg.NewEngine == nil {
		captureError(req, errors.New("interview engine not configured"), "interview_ws: configuration error")
		http.Error(w, `{"error": "interview engine not configured"}`, http.StatusServiceUnavailable)
		return
	}
	if r.sessions.IsDraining() {
		http.Error(w, `{"error": "server draining"}`, http.StatusServiceUnavailable)
		return
	}

	q := req.URL.Query()
	encoding := audio.Encoding(q.Get("encoding"))
	switch encoding {
	case "", audio.EncodingPCM16, audio.EncodingMulaw:
	default:
		http.Error(w, `{"error": "unsupported encoding"}`, http.StatusBadRequest)
		return
	}
	rate := 0
	if s := q.Get("rate"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 8000 || n > 48000 {
			http.Error(w, `{"error": "invalid rate"}`, http.StatusBadRequest)
			return
		}
		rate = n
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     r.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("interview_ws: upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))
	s := &interviewSession{
		id:        id,
		candidate: candidate,
		conn:      conn,
		source:    audio.NewPushSource(encoding, rate),
		turns:     r.turns,
		logger:    r.logger.With("session_id", id, "candidate_id", candidate.ID),
		metrics:   r.metrics,
		forwarded: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	// Registering after the upgrade keeps stop from racing a nil conn.
	if !r.sessions.Add(id, s.stop) {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server draining"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	defer r.sessions.Done(id)

	gateway := audio.NewGateway(s.source, audio.DefaultFormat, audio.DefaultCompressorConfig, s.logger)
	s.engine = r.cfg.NewEngine(candidate.ID, gateway, newWSSpeaker(s))

	if s.metrics != nil {
		s.metrics.RecordSessionStart()
		defer s.metrics.RecordSessionEnd()
	}

	s.logger.Infow("interview_ws: session started", "encoding", string(encoding), "rate", rate)
	s.run()
}

func (s *interviewSession) run() {
	defer s.cleanup()

	go func() {
		defer close(s.forwarded)
		s.forwardNotifications()
	}()

	if err := s.send(serverMessage{Type: "ready", SessionID: s.id}); err != nil {
		s.logger.Warnw("interview_ws: ready not delivered", "error", err)
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("interview_ws: connection closed")
			} else {
				s.logger.Warnw("interview_ws: read error", "error", err)
			}
			s.source.Disconnect(err)
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if err := s.source.Write(msg); err != nil {
				s.logger.Warnw("interview_ws: audio rejected", "error", err)
			}
		case websocket.TextMessage:
			s.handleControl(msg)
		}
	}
}

func (s *interviewSession) handleControl(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError("", "invalid message")
		return
	}

	switch msg.Type {
	case "start_turn":
		s.startTurn(msg)
	case "signal_done":
		s.engine.SignalDone()
	case "abort":
		s.engine.AbortTurn()
	case "snapshot":
		snap := s.engine.Snapshot()
		_ = s.send(serverMessage{Type: "snapshot", TurnID: snap.TurnID, Snapshot: &snap})
	default:
		s.sendError("", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *interviewSession) startTurn(msg clientMessage) {
	if msg.Question == nil || msg.Question.ID == "" {
		s.sendError("", "question with id is required")
		return
	}
	q := *msg.Question

	var opts []engine.TurnOption
	if s.turns != nil {
		ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
		n, err := s.turns.NextAttempt(ctx, s.candidate.ID, q.ID)
		cancel()
		if err != nil {
			s.logger.Warnw("interview_ws: attempt lookup failed", "question_id", q.ID, "error", err)
		} else {
			opts = append(opts, engine.WithAttempt(n))
		}
	}
	if msg.Transcript != "" {
		opts = append(opts, engine.WithTranscript(msg.Transcript))
	}

	turnID, err := s.engine.StartTurn(s.ctx, q, opts...)
	switch {
	case errors.Is(err, engine.ErrTurnActive):
		s.sendError("", "turn_active")
	case err != nil:
		s.sendError("", err.Error())
	default:
		_ = s.send(serverMessage{Type: "turn_started", TurnID: turnID})
	}
}

func (s *interviewSession) forwardNotifications() {
	for n := range s.engine.Notifications() {
		n := n
		if err := s.send(serverMessage{Type: "notification", TurnID: n.TurnID, Notification: &n}); err != nil {
			s.logger.Debugw("interview_ws: notification not delivered", "kind", string(n.Kind), "error", err)
		}
	}
}

func (s *interviewSession) send(m serverMessage) error {
	m.At = nowUTC()
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(m)
}

func (s *interviewSession) sendBinary(pcm []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *interviewSession) sendError(turnID, msg string) {
	_ = s.send(serverMessage{Type: "error", TurnID: turnID, Error: msg})
}

// stop ends the session from outside, used when draining times out.
func (s *interviewSession) stop() {
	s.cancel()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeTimeout))
	_ = s.conn.Close()
}

// cleanup gives a live turn the chance to end as a device loss, keeping its
// transcript, then closes the engine and the connection. The session context
// outlives the settle wait: cancelling it first would abort the turn.
func (s *interviewSession) cleanup() {
	s.source.Disconnect(nil)

	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		p := s.engine.Snapshot().Phase
		if p == engine.PhaseReady || p.Terminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.cancel()
	s.engine.Close()
	<-s.forwarded

	s.connMu.Lock()
	s.conn.Close()
	s.connMu.Unlock()

	s.logger.Infow("interview_ws: session cleaned up")
}

// wsSpeaker streams playback to the browser, paced at real time so Play
// returns once the audio has been heard and Flush cuts it off promptly.
type wsSpeaker struct {
	s     *interviewSession
	mu    sync.Mutex
	flush chan struct{}
}

func newWSSpeaker(s *interviewSession) *wsSpeaker {
	return &wsSpeaker{s: s, flush: make(chan struct{})}
}

// playbackChunk is 100 ms of PCM16.
const playbackChunk = tts.SampleRate * 2 / 10

func (sp *wsSpeaker) Play(ctx context.Context, pcm []byte) error {
	sp.mu.Lock()
	flush := sp.flush
	sp.mu.Unlock()

	start := time.Now()
	var sent time.Duration
	for off := 0; off < len(pcm); off += playbackChunk {
		end := min(off+playbackChunk, len(pcm))
		if err := sp.s.sendBinary(pcm[off:end]); err != nil {
			return fmt.Errorf("interview_ws: sending playback: %w", err)
		}
		sent += pcmDuration(end - off)

		// Keep at most one chunk buffered on the client.
		if err := sp.wait(ctx, flush, sent-time.Since(start)-pcmDuration(playbackChunk)); err != nil {
			return err
		}
	}
	return sp.wait(ctx, flush, sent-time.Since(start))
}

func (sp *wsSpeaker) wait(ctx context.Context, flush <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		select {
		case <-flush:
			return context.Canceled
		default:
			return ctx.Err()
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-flush:
		return context.Canceled
	case <-t.C:
		return nil
	}
}

func (sp *wsSpeaker) Flush() {
	sp.mu.Lock()
	close(sp.flush)
	sp.flush = make(chan struct{})
	sp.mu.Unlock()
	_ = sp.s.send(serverMessage{Type: "playback_clear"})
}

func pcmDuration(n int) time.Duration {
	return time.Duration(n/2) * time.Second / tts.SampleRate
}
