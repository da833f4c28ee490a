package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lukasbauer/rehearsal/internal/store"
)

func newTurnsRouter() http.Handler {
	turns := &fakeTurns{turns: map[string]*store.Turn{
		"t-1": {ID: "t-1", CandidateID: "cand-1", QuestionID: "q-1", Attempt: 1, Outcome: "finished", Transcript: "I led the migration"},
		"t-2": {ID: "t-2", CandidateID: "cand-1", QuestionID: "q-2", Attempt: 1, Outcome: "mic_error"},
		"t-3": {ID: "t-3", CandidateID: "cand-2", QuestionID: "q-1", Attempt: 1, Outcome: "finished"},
	}}
	return NewRouter(RouterConfig{JWTSecret: testSecret}, zap.NewNop().Sugar(), turns, fakeEvents{}, nil, nil)
}

func authedRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	tok, err := IssueToken(testSecret, "cand-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestHandleListTurns(t *testing.T) {
	h := newTurnsRouter()

	tests := []struct {
		name      string
		path      string
		wantCode  int
		wantCount int
	}{
		{"all questions", "/api/turns", http.StatusOK, 2},
		{"one question", "/api/turns?question_id=q-1", http.StatusOK, 1},
		{"limit", "/api/turns?limit=1", http.StatusOK, 1},
		{"bad limit", "/api/turns?limit=zero", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, authedRequest(t, http.MethodGet, tt.path))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			var items []store.TurnListItem
			if err := json.NewDecoder(rec.Body).Decode(&items); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(items) != tt.wantCount {
				t.Errorf("len(items) = %d, want %d", len(items), tt.wantCount)
			}
		})
	}
}

func TestHandleGetTurn(t *testing.T) {
	h := newTurnsRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/turns/t-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var turn store.Turn
	if err := json.NewDecoder(rec.Body).Decode(&turn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if turn.Transcript != "I led the migration" {
		t.Errorf("transcript = %q", turn.Transcript)
	}

	// Another candidate's turn looks missing.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/turns/t-3"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetTurnEvents(t *testing.T) {
	h := newTurnsRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/turns/t-1/events"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var events []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("len(events) = %d, want 2", len(events))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/api/turns/t-3/events"))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthzAndCORS(t *testing.T) {
	h := newTurnsRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	restricted := withCORS([]string{"https://app.example"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	req := httptest.NewRequest(http.MethodOptions, "/api/turns", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for a foreign origin", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestWSURLFromPublicBase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://rehearse.example", "wss://rehearse.example"},
		{"http://localhost:8080/", "ws://localhost:8080"},
		{"rehearse.example", "wss://rehearse.example"},
	}
	for _, tt := range tests {
		if got := wsURLFromPublicBase(tt.in); got != tt.want {
			t.Errorf("wsURLFromPublicBase(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := InterviewURL("https://rehearse.example"); got != "wss://rehearse.example/ws/interview" {
		t.Errorf("InterviewURL = %q", got)
	}
}
