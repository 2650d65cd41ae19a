package metrics

import "sync"

// MemoryObserver buffers events in memory. Intended for tests and
// short-lived diagnostics, not production use.
type MemoryObserver struct {
	mu     sync.Mutex
	events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{}
}

func (o *MemoryObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *MemoryObserver) Events() []MetricsEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]MetricsEvent, len(o.events))
	copy(out, o.events)
	return out
}

func (o *MemoryObserver) CountByName(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, ev := range o.events {
		if ev.Name == name {
			n++
		}
	}
	return n
}
