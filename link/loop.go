package link

import (
	"sync"
	"time"
)

// EventLoop owns the only goroutine allowed to call Channel.WriteAsync. Other
// goroutines reach it through Signal, which fires the registered source, and
// AfterFunc, which runs a timer callback on the loop.
//
// Signals coalesce: any number of Signal calls before the loop runs the
// source are equivalent to one.
type EventLoop struct {
	wake  chan struct{}
	tasks chan func()
	quit  chan struct{}

	stopOnce sync.Once

	mu     sync.Mutex
	source func()
}

func NewEventLoop() *EventLoop {
	return &EventLoop{
		wake:  make(chan struct{}, 1),
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
}

// AddSource registers fn as the callback fired by Signal, replacing any
// previous source.
func (l *EventLoop) AddSource(fn func()) {
	l.mu.Lock()
	l.source = fn
	l.mu.Unlock()
}

// RemoveSource deregisters the source. Later signals are ignored.
func (l *EventLoop) RemoveSource() {
	l.mu.Lock()
	l.source = nil
	l.mu.Unlock()
}

// Signal asks the loop to fire its source. Safe from any goroutine.
func (l *EventLoop) Signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn on the loop goroutine once d has elapsed. The returned
// timer's Stop cancels it. Callbacks due after the loop stopped are dropped.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case l.tasks <- fn:
		case <-l.quit:
		}
	})
}

// Run processes signals and timers on the calling goroutine until Stop. A
// signal raised before Stop is still fired.
func (l *EventLoop) Run() {
	for {
		select {
		case <-l.wake:
			l.fire()
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			select {
			case <-l.wake:
				l.fire()
			default:
			}
			return
		}
	}
}

// Stop makes Run return. Safe to call more than once and from any goroutine.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
}

// Done is closed once Stop has been called.
func (l *EventLoop) Done() <-chan struct{} {
	return l.quit
}

func (l *EventLoop) fire() {
	l.mu.Lock()
	fn := l.source
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}
