package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperClient_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "answer.wav", hdr.Filename)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": " I led the migration. "})
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{APIKey: "test-key", BaseURL: srv.URL})
	text, err := c.Transcribe(context.Background(), []byte("RIFF...."))
	require.NoError(t, err)
	assert.Equal(t, "I led the migration.", text)
}

func TestWhisperClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"audio too short"}}`))
	}))
	defer srv.Close()

	c := NewWhisperClient(WhisperConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Transcribe(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio too short")
}
