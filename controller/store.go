package controller

import (
	"context"
	"sync"
)

// Store is the mutex-guarded snapshot an input source writes and the
// session polls. Connect and Disconnect each take effect once.
type Store struct {
	mu    sync.Mutex
	state State

	connectOnce    sync.Once
	disconnectOnce sync.Once
	connected      chan struct{}
	disconnected   chan struct{}
}

// NewStore returns a neutral, not yet connected store.
func NewStore() *Store {
	return &Store{
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set replaces the whole state.
func (s *Store) Set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Update applies fn to the state under the lock.
func (s *Store) Update(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

// Connect marks the device present.
func (s *Store) Connect() {
	s.connectOnce.Do(func() { close(s.connected) })
}

// Disconnect marks the device gone and resets the state to neutral.
func (s *Store) Disconnect() {
	s.disconnectOnce.Do(func() {
		s.Set(State{})
		close(s.disconnected)
	})
}

func (s *Store) Connected() <-chan struct{}    { return s.connected }
func (s *Store) Disconnected() <-chan struct{} { return s.disconnected }

// WaitConnected blocks until Connect, Disconnect or the end of ctx and
// reports whether the device connected.
func (s *Store) WaitConnected(ctx context.Context) bool {
	select {
	case <-s.connected:
		return true
	case <-s.disconnected:
		return false
	case <-ctx.Done():
		return false
	}
}
