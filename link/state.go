package link

import (
	"sync"
)

// State is the memory shared by the transmit and receive paths: the outbound
// mailbox, the inbound chunk queue and the decoded response. One mutex and
// one condition variable guard all three. Waiters evaluate their own
// predicates; the receive path only broadcasts.
type State struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []byte
	inbound  [][]byte
	response []byte
	err      error
}

// NewState returns an empty state with no pending frame.
func NewState() *State {
	s := &State{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// post overwrites the mailbox. It reports whether an unsent frame was dropped.
func (s *State) post(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	superseded := s.pending != nil
	s.pending = frame
	return superseded
}

// take empties the mailbox.
func (s *State) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.pending
	s.pending = nil
	return frame
}

// deliver appends one chunk and wakes every waiter.
func (s *State) deliver(chunk []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, chunk)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// fail records the terminal link error once and wakes every waiter.
func (s *State) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *State) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Err returns the terminal link error, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Response returns a copy of the payload of the last completed ack cycle.
func (s *State) Response() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.response...)
}

// Pending reports whether a frame is waiting in the mailbox.
func (s *State) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Drain removes and returns every queued chunk without blocking.
func (s *State) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.inbound
	s.inbound = nil
	return chunks
}
