package gotls

import (
	"sync"

	tls "github.com/refraction-networking/utls"
)

// sessionSlot is a one-entry tls.ClientSessionCache. It hands the stack
// the session offered through SetSession and keeps whatever the stack
// stores after the handshake, so the engine can report it.
type sessionSlot struct {
	mu      sync.Mutex
	offered *tls.ClientSessionState
	stored  *tls.ClientSessionState
	gen     int
}

func (s *sessionSlot) offer(state *tls.ClientSessionState) {
	s.mu.Lock()
	s.offered = state
	s.mu.Unlock()
}

// latest returns the most recently stored session and a counter that
// changes on every store.
func (s *sessionSlot) latest() (*tls.ClientSessionState, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, s.gen
}

func (s *sessionSlot) Get(string) (*tls.ClientSessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offered, s.offered != nil
}

func (s *sessionSlot) Put(_ string, cs *tls.ClientSessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs == nil {
		// The stack rejected the offered session.
		s.offered = nil
		return
	}
	s.stored = cs
	s.gen++
}
