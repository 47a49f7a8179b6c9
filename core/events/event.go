package events

import "sync"

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Entry pairs an emitted event with its monotonically increasing sequence.
type Entry struct {
	Sequence uint64
	Event    Event
}

// MemoryEmitter retains the most recent events in a bounded ring so the RPC
// layer can serve event history queries without an external indexer.
type MemoryEmitter struct {
	mu      sync.RWMutex
	entries []Entry
	next    uint64
	limit   int
}

// NewMemoryEmitter constructs a ring buffer retaining up to limit events.
func NewMemoryEmitter(limit int) *MemoryEmitter {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryEmitter{limit: limit}
}

// Emit appends the event, evicting the oldest entry once the ring is full.
func (m *MemoryEmitter) Emit(evt Event) {
	if m == nil || evt == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.entries = append(m.entries, Entry{Sequence: m.next, Event: evt})
	if len(m.entries) > m.limit {
		m.entries = m.entries[len(m.entries)-m.limit:]
	}
}

// Recent returns up to limit retained entries in emission order. A zero or
// negative limit returns every retained entry.
func (m *MemoryEmitter) Recent(limit int) []Entry {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
