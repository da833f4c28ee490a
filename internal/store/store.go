package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/rehearsal/internal/costs"
)

// ErrNotFound is returned when a turn does not exist.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Turn is one archived answer attempt.
type Turn struct {
	ID               string          `json:"id"`
	CandidateID      string          `json:"candidate_id"`
	QuestionID       string          `json:"question_id"`
	QuestionPrompt   string          `json:"question_prompt"`
	Attempt          int             `json:"attempt"`
	Outcome          string          `json:"outcome"`
	Reason           *string         `json:"reason,omitempty"`
	Transcript       string          `json:"transcript"`
	TranscriptSource string          `json:"transcript_source"`
	DurationSeconds  float64         `json:"duration_seconds"`
	ClassifierCalls  int             `json:"classifier_calls"`
	Costs            costs.TurnCosts `json:"costs"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TurnListItem is the summary shown in attempt history.
type TurnListItem struct {
	ID              string    `json:"id"`
	QuestionID      string    `json:"question_id"`
	Attempt         int       `json:"attempt"`
	Outcome         string    `json:"outcome"`
	WordCount       int       `json:"word_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	EndedAt         time.Time `json:"ended_at"`
}

// InsertTurn archives a finished turn. Re-inserting the same id overwrites
// it, so a late batch transcript can replace the streamed one.
func (s *Store) InsertTurn(ctx context.Context, t Turn) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO turns (
			id, candidate_id, question_id, question_prompt, attempt, outcome, reason,
			transcript, transcript_source, duration_seconds, classifier_calls,
			stt_cost_cents, batch_cost_cents, llm_cost_cents, tts_cost_cents, total_cost_cents,
			started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			outcome = $6, reason = $7, transcript = $8, transcript_source = $9,
			duration_seconds = $10, classifier_calls = $11,
			stt_cost_cents = $12, batch_cost_cents = $13, llm_cost_cents = $14,
			tts_cost_cents = $15, total_cost_cents = $16, ended_at = $18
	`, t.ID, t.CandidateID, t.QuestionID, t.QuestionPrompt, t.Attempt, t.Outcome, t.Reason,
		t.Transcript, t.TranscriptSource, t.DurationSeconds, t.ClassifierCalls,
		t.Costs.STTCostCents, t.Costs.BatchCostCents, t.Costs.LLMCostCents,
		t.Costs.TTSCostCents, t.Costs.TotalCostCents,
		t.StartedAt, t.EndedAt)
	return err
}

// GetTurn returns one turn of a candidate.
func (s *Store) GetTurn(ctx context.Context, candidateID, id string) (*Turn, error) {
	var t Turn
	err := s.db.QueryRow(ctx, `
		SELECT id, candidate_id, question_id, question_prompt, attempt, outcome, reason,
		       transcript, transcript_source, duration_seconds, classifier_calls,
		       stt_cost_cents, batch_cost_cents, llm_cost_cents, tts_cost_cents, total_cost_cents,
		       started_at, ended_at, created_at
		FROM turns
		WHERE id = $1 AND candidate_id = $2
	`, id, candidateID).Scan(
		&t.ID, &t.CandidateID, &t.QuestionID, &t.QuestionPrompt, &t.Attempt, &t.Outcome, &t.Reason,
		&t.Transcript, &t.TranscriptSource, &t.DurationSeconds, &t.ClassifierCalls,
		&t.Costs.STTCostCents, &t.Costs.BatchCostCents, &t.Costs.LLMCostCents,
		&t.Costs.TTSCostCents, &t.Costs.TotalCostCents,
		&t.StartedAt, &t.EndedAt, &t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTurnsByCandidate returns the newest turns of a candidate, optionally
// restricted to one question.
func (s *Store) ListTurnsByCandidate(ctx context.Context, candidateID, questionID string, limit int) ([]TurnListItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, question_id, attempt, outcome,
		       COALESCE(array_length(regexp_split_to_array(NULLIF(trim(transcript), ''), '\s+'), 1), 0),
		       duration_seconds, ended_at
		FROM turns
		WHERE candidate_id = $1 AND ($2 = '' OR question_id = $2)
		ORDER BY ended_at DESC
		LIMIT $3
	`, candidateID, questionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TurnListItem{}
	for rows.Next() {
		var it TurnListItem
		if err := rows.Scan(&it.ID, &it.QuestionID, &it.Attempt, &it.Outcome, &it.WordCount, &it.DurationSeconds, &it.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// NextAttempt returns the attempt number a new turn on questionID gets.
func (s *Store) NextAttempt(ctx context.Context, candidateID, questionID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(attempt), 0) + 1 FROM turns
		WHERE candidate_id = $1 AND question_id = $2
	`, candidateID, questionID).Scan(&n)
	return n, err
}

// DeleteTurnsBefore removes turns that ended before cutoff together with
// their events, returning how many turns were removed.
func (s *Store) DeleteTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM turn_events
		WHERE turn_id IN (SELECT id FROM turns WHERE ended_at < $1)
	`, cutoff); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM turns WHERE ended_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
