package testutil

import (
	"context"
	"sync"

	"pdm-go/internal/pdm"
)

// RecordingNotifier keeps every published event in order.
type RecordingNotifier struct {
	mu     sync.Mutex
	events []pdm.Event
}

func (n *RecordingNotifier) Publish(_ context.Context, ev pdm.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// Events returns a copy of what has been published so far.
func (n *RecordingNotifier) Events() []pdm.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]pdm.Event, len(n.events))
	copy(out, n.events)
	return out
}

// Types returns the type of every published event.
func (n *RecordingNotifier) Types() []pdm.EventType {
	var out []pdm.EventType
	for _, ev := range n.Events() {
		out = append(out, ev.Type)
	}
	return out
}
