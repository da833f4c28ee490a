package stt

import (
	"context"
	"errors"
)

// ErrRetriesExhausted is reported once when a streaming session gives up
// reconnecting and degrades to the transcript it already has.
var ErrRetriesExhausted = errors.New("stt: reconnect budget exhausted")

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text        string  // The transcribed text
	Confidence  float64 // Confidence score (0-1)
	IsFinal     bool    // Whether this is a final or interim result
	SpeechFinal bool    // Provider endpointing hint; informational only
}

// Client defines the interface for speech-to-text providers.
type Client interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format expected by the provider.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan TranscriptResult

	// Errors returns a channel that receives errors. Any error means the
	// connection is gone.
	Errors() <-chan error

	// Close closes the connection to the STT service.
	Close() error
}

// Dialer opens a new streaming connection. Sessions call it once per
// connection, including reconnects.
type Dialer func(ctx context.Context) (Client, error)

// BatchTranscriber transcribes one finished recording.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
