package call

import "sync"

// Slot admits at most one live Session at a time. Sessions created without
// an explicit slot share a process-wide one.
type Slot struct {
	mu    sync.Mutex
	owner *Session
}

var defaultSlot Slot

func (s *Slot) acquire(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		return ErrSessionActive
	}
	s.owner = sess
	return nil
}

func (s *Slot) release(sess *Session) {
	s.mu.Lock()
	if s.owner == sess {
		s.owner = nil
	}
	s.mu.Unlock()
}

// Active reports whether a session currently holds the slot.
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != nil
}
