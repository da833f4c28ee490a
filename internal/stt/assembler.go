package stt

import (
	"strings"
	"sync"
)

// Assembler merges interim and final segments into one transcript.
//
// The raw transcript is the committed finals joined by spaces followed by the
// live interim. Text returns the published transcript, which never gets
// shorter during a turn: when the recognizer revises an interim downwards the
// previously published text is held until the raw transcript catches up.
type Assembler struct {
	mu        sync.Mutex
	finals    []string
	interim   string
	published string
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

// Seed pre-loads committed text, used when a turn resumes from a stored
// partial answer.
func (a *Assembler) Seed(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text = strings.TrimSpace(text); text != "" {
		a.finals = append(a.finals, text)
	}
	a.publishLocked()
}

// ApplyInterim replaces the live interim segment and returns Text.
func (a *Assembler) ApplyInterim(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interim = strings.TrimSpace(text)
	return a.publishLocked()
}

// CommitFinal appends a final segment, clears the interim and returns Text.
// Empty finals only clear the interim.
func (a *Assembler) CommitFinal(text string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text = strings.TrimSpace(text); text != "" {
		a.finals = append(a.finals, text)
	}
	a.interim = ""
	return a.publishLocked()
}

// Replace swaps the whole transcript for an authoritative one. It is used
// once capture has stopped, so the monotonic rule no longer applies.
func (a *Assembler) Replace(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finals = nil
	if text = strings.TrimSpace(text); text != "" {
		a.finals = []string{text}
	}
	a.interim = ""
	a.published = strings.Join(a.finals, " ")
}

// Text is the published transcript.
func (a *Assembler) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

// Raw is finals plus interim without the monotonic hold.
func (a *Assembler) Raw() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rawLocked()
}

// Finals returns a copy of the committed segments.
func (a *Assembler) Finals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.finals))
	copy(out, a.finals)
	return out
}

// Committed is the committed segments joined by spaces.
func (a *Assembler) Committed() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, " ")
}

// LastFinal returns the most recently committed segment.
func (a *Assembler) LastFinal() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.finals) == 0 {
		return ""
	}
	return a.finals[len(a.finals)-1]
}

func (a *Assembler) rawLocked() string {
	committed := strings.Join(a.finals, " ")
	switch {
	case a.interim == "":
		return committed
	case committed == "":
		return a.interim
	default:
		return committed + " " + a.interim
	}
}

func (a *Assembler) publishLocked() string {
	if raw := a.rawLocked(); len(raw) >= len(a.published) {
		a.published = raw
	}
	return a.published
}

// WordCount counts whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
