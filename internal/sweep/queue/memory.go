package queue

import (
	"context"
	"sync"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/sweep"
)

// Memory is a bounded in-process queue.
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

// NewMemory creates a queue holding at most capacity writes. A capacity
// of 0 or less means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{capacity: capacity}
}

// Enqueue appends writes. Either all writes are queued or, when they do
// not fit, none are and ErrQueueFull is returned.
func (m *Memory) Enqueue(_ context.Context, table kvs.TableRef, writes []sweep.Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && len(m.entries)+len(writes) > m.capacity {
		return ErrQueueFull
	}
	for _, w := range writes {
		m.entries = append(m.entries, Entry{Table: table, Write: w})
	}
	return nil
}

// Drain removes and returns up to limit entries in enqueue order. limit <= 0
// drains everything.
func (m *Memory) Drain(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, m.entries[:n])
	m.entries = append(m.entries[:0], m.entries[n:]...)
	return out
}

// Len returns the number of queued writes.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ Writer = (*Memory)(nil)
