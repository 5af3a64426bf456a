// Package journal keeps a bounded in-memory history of committed lifecycle
// events for one loader instance. Nothing is ever persisted; the history
// lives and dies with the host process.
package journal

import (
	"sync"

	"github.com/psantana5/wasmhost/pkg/lifecycle"
)

// DefaultCapacity bounds the history when no capacity is given
const DefaultCapacity = 256

// Journal is a bounded FIFO of lifecycle events
type Journal struct {
	mu       sync.RWMutex
	events   []lifecycle.Event
	capacity int
}

// New creates a journal holding at most capacity events; capacity <= 0
// selects DefaultCapacity.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{capacity: capacity}
}

// Append records one event, evicting the oldest when full
func (j *Journal) Append(ev lifecycle.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	if len(j.events) > j.capacity {
		j.events = j.events[len(j.events)-j.capacity:]
	}
}

// Events returns a copy of the recorded history, oldest first
func (j *Journal) Events() []lifecycle.Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]lifecycle.Event, len(j.events))
	copy(out, j.events)
	return out
}

// Len returns the number of recorded events
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}
