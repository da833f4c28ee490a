package tts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabsClient implements the Client interface using ElevenLabs' API.
type ElevenLabsClient struct {
	voiceID    string
	modelID    string
	stability  float64
	similarity float64
	http       *resty.Client
}

// ElevenLabsConfig holds configuration for the ElevenLabs client.
type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	VoiceID    string  // ElevenLabs voice ID
	ModelID    string  // e.g., "eleven_flash_v2_5" for low latency
	Stability  float64 // 0-1, negative selects the default
	Similarity float64 // 0-1, negative selects the default
	// MaxRetries bounds retries of one fetch on transport errors, 429 and
	// 5xx responses. Delays start at RetryWait and double up to MaxRetryWait.
	MaxRetries   int
	RetryWait    time.Duration
	MaxRetryWait time.Duration
	Timeout      time.Duration
}

// NewElevenLabsClient creates a new ElevenLabs client.
func NewElevenLabsClient(cfg ElevenLabsConfig) *ElevenLabsClient {
	modelID := cfg.ModelID
	if modelID == "" {
		modelID = "eleven_flash_v2_5"
	}
	voiceID := cfg.VoiceID
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel - default voice
	}
	stability := cfg.Stability
	if stability < 0 {
		stability = 0.5
	}
	similarity := cfg.Similarity
	if similarity < 0 {
		similarity = 0.75
	}
	base := cfg.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	maxWait := cfg.MaxRetryWait
	if maxWait < wait {
		maxWait = 2 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetHeader("xi-api-key", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "audio/pcm").
		SetTimeout(timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(wait).
		SetRetryMaxWaitTime(maxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &ElevenLabsClient{
		voiceID:    voiceID,
		modelID:    modelID,
		stability:  stability,
		similarity: similarity,
		http:       httpClient,
	}
}

// ttsRequest represents an ElevenLabs TTS request.
type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize converts text to speech and returns 16 kHz PCM16.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, u Utterance) ([]byte, error) {
	voiceID := u.Voice
	if voiceID == "" {
		voiceID = c.voiceID
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("voice", voiceID).
		SetQueryParam("output_format", "pcm_16000").
		SetBody(ttsRequest{
			Text:    u.Text,
			ModelID: c.modelID,
			VoiceSettings: voiceSettings{
				Stability:       c.stability,
				SimilarityBoost: c.similarity,
				Speed:           u.Speed,
			},
		}).
		Post("/v1/text-to-speech/{voice}")
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status(), resp.String())
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, fmt.Errorf("ElevenLabs returned no audio")
	}
	return body, nil
}
