// Package telemetry records link activity as prometheus metrics and fans
// the same activity out as events to live subscribers.
package telemetry

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dmplink"

// Event is one link activity record.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Frame   string    `json:"frame,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	WaitMS  int64     `json:"waitMs,omitempty"`
	Error   string    `json:"error,omitempty"`
}

const (
	EventPosted      = "posted"
	EventSuperseded  = "superseded"
	EventTransmitted = "transmitted"
	EventChunk       = "chunk"
	EventRetry       = "retry"
	EventAck         = "ack"
	EventClosed      = "closed"
)

// Recorder implements link.Observer.
type Recorder struct {
	framesPosted      prometheus.Counter
	framesSuperseded  prometheus.Counter
	framesTransmitted prometheus.Counter
	bytesReceived     prometheus.Counter
	ackRetries        prometheus.Counter
	ackWait           prometheus.Histogram
	linkClosed        prometheus.Counter

	mu   sync.RWMutex
	subs map[chan Event]struct{}
	now  func() time.Time
}

// NewRecorder registers the link collectors on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		framesPosted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_posted_total",
			Help:      "Frames placed in the outbound mailbox",
		}),
		framesSuperseded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_superseded_total",
			Help:      "Unsent frames replaced by a newer frame",
		}),
		framesTransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_transmitted_total",
			Help:      "Frames handed to the transport",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Inbound bytes delivered by the transport",
		}),
		ackRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_retries_total",
			Help:      "Acknowledgment scans that did not see both sentinels",
		}),
		ackWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_wait_seconds",
			Help:      "Time from the start of an acknowledgment wait to completion",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
		linkClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_closed_total",
			Help:      "Unexpected link closures",
		}),
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (r *Recorder) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (r *Recorder) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Recorder) publish(ev Event) {
	ev.Time = r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (r *Recorder) FramePosted(frame []byte, superseded bool) {
	r.framesPosted.Inc()
	if superseded {
		r.framesSuperseded.Inc()
		r.publish(Event{Type: EventSuperseded, Frame: hex.EncodeToString(frame)})
		return
	}
	r.publish(Event{Type: EventPosted, Frame: hex.EncodeToString(frame)})
}

func (r *Recorder) FrameTransmitted(frame []byte) {
	r.framesTransmitted.Inc()
	r.publish(Event{Type: EventTransmitted, Frame: hex.EncodeToString(frame)})
}

func (r *Recorder) ChunkReceived(chunk []byte) {
	r.bytesReceived.Add(float64(len(chunk)))
	r.publish(Event{Type: EventChunk, Frame: hex.EncodeToString(chunk)})
}

func (r *Recorder) AckRetry(attempt int) {
	r.ackRetries.Inc()
	r.publish(Event{Type: EventRetry, Attempt: attempt})
}

func (r *Recorder) AckCompleted(response []byte, wait time.Duration) {
	r.ackWait.Observe(wait.Seconds())
	r.publish(Event{Type: EventAck, Frame: hex.EncodeToString(response), WaitMS: wait.Milliseconds()})
}

func (r *Recorder) LinkClosed(err error) {
	r.linkClosed.Inc()
	ev := Event{Type: EventClosed}
	if err != nil {
		ev.Error = err.Error()
	}
	r.publish(ev)
}
