package encoder

import "sync"

// DefaultPoolCapacity is the number of transfer buffers per stream
const DefaultPoolCapacity = 10

// SlotHandle identifies one lease of a pool slot. A handle becomes stale once
// the slot is released, so late or duplicate completions are ignored.
type SlotHandle struct {
	index      int
	generation uint64
}

type slot struct {
	buf        []byte
	generation uint64
}

// Pool is a fixed-capacity arena of reusable byte buffers with a free list.
// A slot is free iff its buffer length is zero. Acquire and Release may be
// called from different goroutines.
type Pool struct {
	mu    sync.Mutex
	slots []slot
	free  []int
}

// PoolStats represents pool occupancy for monitoring
type PoolStats struct {
	Capacity int `json:"capacity"`
	InFlight int `json:"in_flight"`
}

// NewPool creates a pool with the given number of slots
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}

	p := &Pool{
		slots: make([]slot, capacity),
		free:  make([]int, 0, capacity),
	}

	// lowest index is handed out first
	for i := capacity - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}

	return p
}

// HasFree reports whether at least one slot is free
func (p *Pool) HasFree() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) > 0
}

// Acquire copies data into a free slot and marks it in flight. The returned
// buffer stays valid until the handle is released. ok is false when every slot
// is in flight or data is empty.
func (p *Pool) Acquire(data []byte) (h SlotHandle, buf []byte, ok bool) {
	if len(data) == 0 {
		return SlotHandle{}, nil, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return SlotHandle{}, nil, false
	}

	index := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[index]
	s.buf = append(s.buf[:0], data...)

	return SlotHandle{index: index, generation: s.generation}, s.buf, true
}

// Release frees the slot behind h. It returns false for a stale handle.
func (p *Pool) Release(h SlotHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h.index < 0 || h.index >= len(p.slots) {
		return false
	}

	s := &p.slots[h.index]
	if s.generation != h.generation || len(s.buf) == 0 {
		return false
	}

	s.buf = s.buf[:0]
	s.generation++
	p.free = append(p.free, h.index)

	return true
}

// Stats returns the current pool occupancy
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Capacity: len(p.slots),
		InFlight: len(p.slots) - len(p.free),
	}
}
