package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenAIClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{
			APIKey: "test-key",
		})

		if client.model != "gpt-4o-mini" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o-mini")
		}

		if client.systemPrompt != TurnEndSystemPrompt {
			t.Error("systemPrompt should default to TurnEndSystemPrompt")
		}
	})

	t.Run("custom model", func(t *testing.T) {
		client := NewOpenAIClient(OpenAIConfig{
			APIKey: "test-key",
			Model:  "gpt-4o",
		})

		if client.model != "gpt-4o" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o")
		}
	})

	t.Run("custom system prompt", func(t *testing.T) {
		customPrompt := "Custom system prompt for testing"
		client := NewOpenAIClient(OpenAIConfig{
			APIKey:       "test-key",
			SystemPrompt: customPrompt,
		})

		if client.GetSystemPrompt() != customPrompt {
			t.Errorf("systemPrompt = %q, want %q", client.GetSystemPrompt(), customPrompt)
		}
	})
}

func TestSetSystemPrompt(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{
		APIKey: "test-key",
	})

	t.Run("set new prompt", func(t *testing.T) {
		client.SetSystemPrompt("New custom prompt")
		if client.systemPrompt != "New custom prompt" {
			t.Errorf("systemPrompt = %q, want %q", client.systemPrompt, "New custom prompt")
		}
	})

	t.Run("empty prompt does not change", func(t *testing.T) {
		currentPrompt := client.systemPrompt
		client.SetSystemPrompt("")

		if client.systemPrompt != currentPrompt {
			t.Error("empty prompt should not change current prompt")
		}
	})
}

func TestTurnEndSystemPrompt(t *testing.T) {
	for _, phrase := range []string{`"done"`, `"continue"`, `"ask"`, "JSON"} {
		if !strings.Contains(TurnEndSystemPrompt, phrase) {
			t.Errorf("TurnEndSystemPrompt should contain %q", phrase)
		}
	}
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		in      string
		want    Decision
		wantErr bool
	}{
		{"done", DecisionDone, false},
		{" Continue\n", DecisionContinue, false},
		{"ASK", DecisionAsk, false},
		{"maybe", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDecision(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDecision(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseDecision(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Decision
		wantErr bool
	}{
		{"plain json", `{"decision":"done","reason":"has result"}`, DecisionDone, false},
		{"markdown fenced", "```json\n{\"decision\":\"ask\"}\n```", DecisionAsk, false},
		{"bare word", "continue", DecisionContinue, false},
		{"unknown verdict", `{"decision":"finish"}`, "", true},
		{"garbage", "I think they are done", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClassification(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.Decision != tt.want {
				t.Errorf("decision = %q, want %q", got.Decision, tt.want)
			}
		})
	}
}

func TestClassifyTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "we cut costs by half") {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"decision\":\"done\",\"reason\":\"clear result\"}"}}],"usage":{"prompt_tokens":120,"completion_tokens":9}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	got, err := client.ClassifyTurn(context.Background(), TurnRequest{
		Question:   "Tell me about a time you reduced costs.",
		Transcript: "we cut costs by half",
	})
	if err != nil {
		t.Fatalf("ClassifyTurn() error = %v", err)
	}
	if got.Decision != DecisionDone || got.Reason != "clear result" {
		t.Errorf("ClassifyTurn() = %+v", got)
	}
	if got.PromptTokens != 120 || got.CompletionTokens != 9 {
		t.Errorf("usage = %d/%d, want 120/9", got.PromptTokens, got.CompletionTokens)
	}
}

func TestClassifyTurn_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	if _, err := client.ClassifyTurn(context.Background(), TurnRequest{Transcript: "x"}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestClientInterface(t *testing.T) {
	var _ Client = (*OpenAIClient)(nil)
}
