package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const openaiBaseURL = "https://api.openai.com"

// OpenAIClient implements the Client interface using OpenAI's API.
type OpenAIClient struct {
	model        string
	systemPrompt string
	http         *resty.Client
}

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // defaults to the public API
	Model        string // e.g., "gpt-4o-mini"
	SystemPrompt string // Optional custom system prompt
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = TurnEndSystemPrompt
	}
	base := cfg.BaseURL
	if base == "" {
		base = openaiBaseURL
	}
	return &OpenAIClient{
		model:        model,
		systemPrompt: systemPrompt,
		http: resty.New().
			SetBaseURL(base).
			SetAuthToken(cfg.APIKey).
			SetHeader("Content-Type", "application/json"),
	}
}

// SetSystemPrompt sets a custom system prompt for this client.
func (c *OpenAIClient) SetSystemPrompt(prompt string) {
	if prompt != "" {
		c.systemPrompt = prompt
	}
}

// GetSystemPrompt returns the current system prompt.
func (c *OpenAIClient) GetSystemPrompt() string {
	return c.systemPrompt
}

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents an OpenAI chat completion response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ClassifyTurn asks the model for a done/continue/ask verdict.
func (c *OpenAIClient) ClassifyTurn(ctx context.Context, req TurnRequest) (Classification, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: TurnEndUserPrompt(req.Question, req.Transcript)},
		},
		Temperature:    0,
		MaxTokens:      60,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var chatResp chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&chatResp).
		Post("/v1/chat/completions")
	if err != nil {
		return Classification{}, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return Classification{}, fmt.Errorf("OpenAI API error: %s - %s", resp.Status(), resp.String())
	}
	if len(chatResp.Choices) == 0 {
		return Classification{}, fmt.Errorf("no choices in response")
	}

	result, err := parseClassification(chatResp.Choices[0].Message.Content)
	if err != nil {
		return Classification{}, err
	}
	result.PromptTokens = chatResp.Usage.PromptTokens
	result.CompletionTokens = chatResp.Usage.CompletionTokens
	return result, nil
}

func parseClassification(content string) (Classification, error) {
	// Parse JSON from response (handle potential markdown code blocks)
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		// Some models answer with the bare word.
		if d, perr := ParseDecision(content); perr == nil {
			return Classification{Decision: d}, nil
		}
		return Classification{}, fmt.Errorf("failed to parse classification: %w (content: %s)", err, content)
	}
	d, err := ParseDecision(raw.Decision)
	if err != nil {
		return Classification{}, err
	}
	return Classification{Decision: d, Reason: raw.Reason}, nil
}
