package tts

import "context"

// SampleRate is the rate of every PCM buffer produced by a Client and
// accepted by a Speaker: 16-bit little endian mono.
const SampleRate = 16000

// Utterance is one piece of text to speak.
type Utterance struct {
	Text  string
	Voice string  // provider voice id; empty selects the default
	Speed float64 // 1.0 is normal; 0 selects the default
}

// Client defines the interface for text-to-speech providers.
type Client interface {
	// Synthesize converts text to speech and returns PCM16 audio at
	// SampleRate.
	Synthesize(ctx context.Context, u Utterance) ([]byte, error)
}

// Speaker plays PCM16 audio at SampleRate.
type Speaker interface {
	// Play blocks until pcm has been played or ctx is done.
	Play(ctx context.Context, pcm []byte) error
	// Flush drops anything queued and silences the output immediately.
	Flush()
}
