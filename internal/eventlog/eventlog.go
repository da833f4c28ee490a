package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of turn event
type EventType string

const (
	EventTurnStarted             EventType = "turn_started"
	EventPhaseChanged            EventType = "phase_changed"
	EventSpeechStarted           EventType = "speech_started"
	EventSpeechEnded             EventType = "speech_ended"
	EventSilenceStarted          EventType = "silence_started"
	EventSilenceEnded            EventType = "silence_ended"
	EventClassificationRequested EventType = "classification_requested"
	EventClassificationCoalesced EventType = "classification_coalesced"
	EventClassificationSkipped   EventType = "classification_skipped"
	EventVerdict                 EventType = "verdict"
	EventVerdictStale            EventType = "verdict_stale"
	EventShortAnswer             EventType = "short_answer"
	EventManualOverride          EventType = "manual_override"
	EventSilenceCapReached       EventType = "silence_cap_reached"
	EventConfirmTimeout          EventType = "confirm_timeout"
	EventSTTReconnect            EventType = "stt_reconnect"
	EventSTTDegraded             EventType = "stt_degraded"
	EventPlaybackFallback        EventType = "playback_fallback"
	EventPlaybackFailed          EventType = "playback_failed"
	EventBatchTranscriptReplaced EventType = "batch_transcript_replaced"
	EventBatchTranscriptFailed   EventType = "batch_transcript_failed"
	EventMicError                EventType = "mic_error"
	EventTurnFinished            EventType = "turn_finished"
	EventTurnAborted             EventType = "turn_aborted"
)

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
	wg sync.WaitGroup
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, turnID string, eventType EventType, data map[string]any) error {
	if l.db == nil || turnID == "" {
		return nil // Silently skip if no DB or turn ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO turn_events (turn_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, turnID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(turnID string, eventType EventType, data map[string]any) {
	if l.db == nil || turnID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, turnID, eventType, data)
	}()
}

// Flush waits for pending async writes, used on shutdown.
func (l *Logger) Flush() {
	l.wg.Wait()
}

// Event is one stored turn event.
type Event struct {
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListEvents returns the events of one turn in insertion order.
func (l *Logger) ListEvents(ctx context.Context, turnID string) ([]Event, error) {
	if l.db == nil {
		return nil, nil
	}
	rows, err := l.db.Query(ctx, `
		SELECT event_type, event_data, created_at
		FROM turn_events
		WHERE turn_id = $1
		ORDER BY id
	`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			typ string
			raw []byte
		)
		if err := rows.Scan(&typ, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		_ = json.Unmarshal(raw, &ev.Data)
		out = append(out, ev)
	}
	return out, rows.Err()
}
