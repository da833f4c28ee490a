//go:build cgo

package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// OtoSpeaker plays through the default output device. oto allows a single
// context per process, so create one speaker and share it.
type OtoSpeaker struct {
	ctx    *oto.Context
	mu     sync.Mutex
	player *oto.Player
}

func NewOtoSpeaker() (*OtoSpeaker, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: opening output device: %w", err)
	}
	<-ready
	return &OtoSpeaker{ctx: otoCtx}, nil
}

func (s *OtoSpeaker) Play(ctx context.Context, pcm []byte) error {
	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	s.mu.Lock()
	s.player = player
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.player == player {
			s.player = nil
		}
		s.mu.Unlock()
		player.Close()
	}()

	player.Play()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (s *OtoSpeaker) Flush() {
	s.mu.Lock()
	player := s.player
	s.mu.Unlock()
	if player != nil {
		player.Pause()
	}
}
