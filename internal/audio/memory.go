package audio

import (
	"context"
	"sync"
)

// MemorySource is an in-process Source. Tests and the replay tool push
// frames into it directly; Lose simulates a microphone track ending.
type MemorySource struct {
	mu      sync.Mutex
	openErr error
	opens   int
	current *frameStream
}

func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// FailOpen makes subsequent Open calls return err (nil clears it).
func (m *MemorySource) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

func (m *MemorySource) Open(ctx context.Context, f Format) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.opens++
	st := newFrameStream(f, 512)
	st.onClose = func() {
		m.mu.Lock()
		if m.current == st {
			m.current = nil
		}
		m.mu.Unlock()
	}
	m.current = st
	return st, nil
}

// Push feeds samples into the open stream. It reports false when no stream
// is open.
func (m *MemorySource) Push(samples []int16) bool {
	m.mu.Lock()
	st := m.current
	m.mu.Unlock()
	if st == nil {
		return false
	}
	st.push(samples)
	return true
}

// Lose ends the open stream as if the device disappeared.
func (m *MemorySource) Lose(err error) {
	m.mu.Lock()
	st := m.current
	m.mu.Unlock()
	if st != nil {
		st.lose(err)
	}
}

// Active reports whether a stream is currently open.
func (m *MemorySource) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Opens returns how many streams have been opened.
func (m *MemorySource) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}
