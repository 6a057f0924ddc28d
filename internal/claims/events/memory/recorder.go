// Package memory keeps recent claim events in process. It is the default sink
// and the one tests assert against.
package memory

import (
	"context"
	"sync"

	"poe/internal/claims/models"
)

// DefaultCapacity is how many events a Recorder keeps when none is configured.
const DefaultCapacity = 1024

// Recorder keeps the most recent events in a fixed-size ring. Once full, each
// publish evicts the oldest event.
type Recorder struct {
	mu      sync.RWMutex
	ring    []models.Event
	start   int
	n       int
	evicted uint64
}

type Option func(*Recorder)

// WithCapacity bounds the ring. Non-positive values use DefaultCapacity.
func WithCapacity(capacity int) Option {
	return func(r *Recorder) {
		if capacity > 0 {
			r.ring = make([]models.Event, capacity)
		}
	}
}

func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{}
	for _, opt := range opts {
		opt(r)
	}
	if r.ring == nil {
		r.ring = make([]models.Event, DefaultCapacity)
	}
	return r
}

func (r *Recorder) Publish(_ context.Context, event models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n < len(r.ring) {
		r.ring[(r.start+r.n)%len(r.ring)] = event
		r.n++
		return nil
	}
	r.ring[r.start] = event
	r.start = (r.start + 1) % len(r.ring)
	r.evicted++
	return nil
}

// Events returns a copy of the retained events in publish order.
func (r *Recorder) Events() []models.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Event, r.n)
	for i := range out {
		out[i] = r.ring[(r.start+i)%len(r.ring)]
	}
	return out
}

// Len returns the number of retained events.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Evicted returns how many events were pushed out of the ring.
func (r *Recorder) Evicted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.evicted
}
