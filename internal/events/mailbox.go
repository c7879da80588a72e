package events

import "sync"

// Event is a named closure queued for later execution.
type Event struct {
	Name string
	Fn   func()
}

// Batch is the drained queue of one key, in enqueue order.
type Batch[K comparable] struct {
	Key    K
	Events []Event
}

// Mailbox holds one FIFO queue per key. Keys are drained in the order they
// first received an event.
type Mailbox[K comparable] struct {
	mu     sync.Mutex
	queues map[K][]Event
	order  []K
}

// NewMailbox constructs an empty mailbox.
func NewMailbox[K comparable]() *Mailbox[K] {
	return &Mailbox[K]{queues: make(map[K][]Event)}
}

// Push appends ev to key's queue.
func (m *Mailbox[K]) Push(key K, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		m.order = append(m.order, key)
	}
	m.queues[key] = append(q, ev)
}

// TakeAll removes and returns every queued batch.
func (m *Mailbox[K]) TakeAll() []Batch[K] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return nil
	}
	out := make([]Batch[K], 0, len(m.order))
	for _, k := range m.order {
		out = append(out, Batch[K]{Key: k, Events: m.queues[k]})
	}
	m.queues = make(map[K][]Event, len(m.order))
	m.order = m.order[:0]
	return out
}

// TakeMatching removes and returns the batches whose key satisfies match.
func (m *Mailbox[K]) TakeMatching(match func(K) bool) []Batch[K] {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch[K]
	kept := m.order[:0]
	for _, k := range m.order {
		if match(k) {
			out = append(out, Batch[K]{Key: k, Events: m.queues[k]})
			delete(m.queues, k)
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept
	return out
}

// Len returns the number of queued events across all keys.
func (m *Mailbox[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
