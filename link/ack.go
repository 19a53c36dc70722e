package link

import (
	"context"
	"time"

	"github.com/CK6170/dmplink-go/protocol"
)

// AckConfig controls the acknowledgment retry loop.
type AckConfig struct {
	// Backoff is slept between scans that did not see both sentinels.
	Backoff time.Duration
	// MaxAttempts bounds the number of scans. Zero means unbounded.
	MaxAttempts int
}

// DefaultAckConfig matches the vehicle firmware: one second between scans,
// no upper bound.
func DefaultAckConfig() AckConfig {
	return AckConfig{Backoff: time.Second}
}

// awaitAnyLocked blocks until the inbound queue is non-empty. s.mu must be held.
func (s *State) awaitAnyLocked(ctx context.Context) error {
	for len(s.inbound) == 0 {
		if s.err != nil {
			return s.err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// scanLocked rebuilds the response from every queued chunk in arrival order
// and reports which sentinels were seen. s.mu must be held.
func (s *State) scanLocked() (received, done bool) {
	s.response = s.response[:0]
	for _, chunk := range s.inbound {
		for _, b := range chunk {
			switch b {
			case protocol.Received:
				received = true
			case protocol.Done:
				done = true
			default:
				s.response = append(s.response, b)
			}
		}
	}
	return received, done
}

// WaitForAcks blocks until the accumulated inbound data holds both the
// received and the done sentinel, then clears the queue and returns every
// other byte as the response payload. Chunks are kept across retries. The
// retry callback, when non-nil, is invoked after each unsatisfied scan
// outside the lock.
func (s *State) WaitForAcks(ctx context.Context, cfg AckConfig, retry func(attempt int)) ([]byte, error) {
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for attempt := 1; ; attempt++ {
		if err := s.awaitAnyLocked(ctx); err != nil {
			return nil, err
		}
		received, done := s.scanLocked()
		if received && done {
			s.inbound = nil
			return append([]byte(nil), s.response...), nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, ErrAckAttemptsExceeded
		}

		s.mu.Unlock()
		if retry != nil {
			retry(attempt)
		}
		err := sleep(ctx, cfg.Backoff)
		s.mu.Lock()
		if err != nil {
			return nil, err
		}
	}
}

// WaitForResponse blocks until at least one chunk is queued, then removes
// and returns every queued chunk. No sentinel scanning is done.
func (s *State) WaitForResponse(ctx context.Context) ([][]byte, error) {
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.awaitAnyLocked(ctx); err != nil {
		return nil, err
	}
	chunks := s.inbound
	s.inbound = nil
	return chunks, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
