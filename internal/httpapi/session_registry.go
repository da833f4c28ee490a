package httpapi

import (
	"sync"
)

// SessionRegistry tracks open interview sessions and supports graceful
// draining. While draining, new sessions are rejected and open sessions run
// until the candidate disconnects or StopAll ends them.
//
// The draining check and wg.Add happen under mu, so no Add can slip in
// between StartDraining and Wait.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	sessions map[string]func()
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]func())}
}

// Add registers a session with the function that ends it. It returns false
// while draining.
func (sr *SessionRegistry) Add(id string, stop func()) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	if _, dup := sr.sessions[id]; dup {
		return false
	}
	sr.wg.Add(1)
	sr.sessions[id] = stop
	return true
}

// Done removes a session. Must be called exactly once per successful Add.
func (sr *SessionRegistry) Done(id string) {
	sr.mu.Lock()
	_, ok := sr.sessions[id]
	delete(sr.sessions, id)
	sr.mu.Unlock()
	if ok {
		sr.wg.Done()
	}
}

// StartDraining makes future Add calls return false.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

func (sr *SessionRegistry) ActiveCount() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.sessions)
}

// StopAll asks every open session to end. Sessions still call Done when
// their teardown finishes.
func (sr *SessionRegistry) StopAll() {
	sr.mu.Lock()
	stops := make([]func(), 0, len(sr.sessions))
	for _, stop := range sr.sessions {
		stops = append(stops, stop)
	}
	sr.mu.Unlock()
	for _, stop := range stops {
		if stop != nil {
			stop()
		}
	}
}

// Wait blocks until every registered session is done.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}
