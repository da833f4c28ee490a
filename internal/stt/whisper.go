package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const openAIBaseURL = "https://api.openai.com"

// WhisperConfig configures batch re-transcription through the OpenAI audio
// API.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string // e.g. "whisper-1"
	Language string // ISO-639-1, optional
	Timeout  time.Duration
}

// WhisperClient implements BatchTranscriber.
type WhisperClient struct {
	http  *resty.Client
	model string
	lang  string
}

type whisperResponse struct {
	Text string `json:"text"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	base := cfg.BaseURL
	if base == "" {
		base = openAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &WhisperClient{
		http: resty.New().
			SetBaseURL(base).
			SetAuthToken(cfg.APIKey).
			SetTimeout(timeout),
		model: model,
		lang:  cfg.Language,
	}
}

// Transcribe uploads a WAV recording and returns its text.
func (c *WhisperClient) Transcribe(ctx context.Context, wav []byte) (string, error) {
	form := map[string]string{
		"model":           c.model,
		"response_format": "json",
	}
	if c.lang != "" {
		form["language"] = c.lang
	}

	var out whisperResponse
	var apiErr openAIError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFileReader("file", "answer.wav", bytes.NewReader(wav)).
		SetFormData(form).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v1/audio/transcriptions")
	if err != nil {
		return "", fmt.Errorf("whisper request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("whisper error (status %d): %s", resp.StatusCode(), apiErr.Error.Message)
	}
	return strings.TrimSpace(out.Text), nil
}
