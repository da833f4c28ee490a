package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/lukasbauer/rehearsal/internal/audio"
)

// LocalSynth speaks through an espeak-ng compatible binary. It is the
// fallback when the primary provider is unreachable.
type LocalSynth struct {
	binary string
	voice  string
	wpm    int
}

func NewLocalSynth(binary, voice string) *LocalSynth {
	if binary == "" {
		binary = "espeak-ng"
	}
	if voice == "" {
		voice = "en-us"
	}
	return &LocalSynth{binary: binary, voice: voice, wpm: 165}
}

// Synthesize ignores provider voice ids; only Speed is honoured.
func (s *LocalSynth) Synthesize(ctx context.Context, u Utterance) ([]byte, error) {
	wpm := s.wpm
	if u.Speed > 0 {
		wpm = int(float64(wpm) * u.Speed)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.binary, "--stdout", "-v", s.voice, "-s", strconv.Itoa(wpm), u.Text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("local synth: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	samples, rate, err := audio.DecodeWAV(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("local synth: %w", err)
	}
	return audio.Int16ToBytes(audio.Resample(samples, rate, SampleRate)), nil
}
