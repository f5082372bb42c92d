package pools

import (
	"errors"
	"math/bits"
	"sync/atomic"
)

// Slot pool errors
var (
	ErrExhausted   = errors.New("slot pool exhausted")
	ErrStaleHandle = errors.New("stale slot handle")
)

const wordBits = 64

// Handle identifies one checkout of a slot: the dense slot index plus the
// generation the slot had when it was handed out. The zero Handle is never
// valid.
type Handle uint64

func makeHandle(index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(uint32(index)))
}

// Index returns the slot index
func (h Handle) Index() int { return int(uint32(h)) }

// Generation returns the slot generation captured at checkout
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// SlotPool is a fixed-capacity arena of preallocated records tracked by a
// bitmap of 64-bit words. A set bit means the slot is owned.
type SlotPool[T any] struct {
	slots []T
	gens  []uint32
	words []uint64
	inUse int

	// Statistics
	checkouts atomic.Uint64
	releases  atomic.Uint64
	exhausted atomic.Uint64
	live      atomic.Int64
}

// NewSlotPool preallocates capacity records; init is called once per slot.
func NewSlotPool[T any](capacity int, init func(i int, v *T)) *SlotPool[T] {
	if capacity <= 0 {
		capacity = 1
	}

	p := &SlotPool[T]{
		slots: make([]T, capacity),
		gens:  make([]uint32, capacity),
		words: make([]uint64, (capacity+wordBits-1)/wordBits),
	}

	for i := range p.gens {
		p.gens[i] = 1
		if init != nil {
			init(i, &p.slots[i])
		}
	}

	// Bits past capacity in the last word stay set so they are never handed out
	if tail := capacity % wordBits; tail != 0 {
		p.words[len(p.words)-1] = ^uint64(0) << tail
	}

	return p
}

// Checkout takes the lowest free slot. It returns ErrExhausted when every
// slot is owned; nothing is overwritten in that case.
func (p *SlotPool[T]) Checkout() (Handle, *T, error) {
	for w, word := range p.words {
		if word == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^word)
		p.words[w] = word | 1<<uint(bit)

		i := w*wordBits + bit
		p.inUse++
		p.checkouts.Add(1)
		p.live.Store(int64(p.inUse))
		return makeHandle(i, p.gens[i]), &p.slots[i], nil
	}

	p.exhausted.Add(1)
	return 0, nil, ErrExhausted
}

// Release returns the slot named by h. Releasing a handle twice, or a handle
// from an earlier checkout of the same slot, returns ErrStaleHandle and
// leaves the pool untouched.
func (p *SlotPool[T]) Release(h Handle) error {
	i := h.Index()
	if !p.owned(h) {
		return ErrStaleHandle
	}

	p.words[i/wordBits] &^= 1 << uint(i%wordBits)
	p.gens[i]++
	if p.gens[i] == 0 {
		p.gens[i] = 1
	}

	p.inUse--
	p.releases.Add(1)
	p.live.Store(int64(p.inUse))
	return nil
}

// Get resolves a handle to its record
func (p *SlotPool[T]) Get(h Handle) (*T, bool) {
	if !p.owned(h) {
		return nil, false
	}
	return &p.slots[h.Index()], true
}

func (p *SlotPool[T]) owned(h Handle) bool {
	i := h.Index()
	if i < 0 || i >= len(p.slots) || h.Generation() == 0 {
		return false
	}
	if p.gens[i] != h.Generation() {
		return false
	}
	return p.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// InUse returns the number of owned slots
func (p *SlotPool[T]) InUse() int { return p.inUse }

// Cap returns the pool capacity
func (p *SlotPool[T]) Cap() int { return len(p.slots) }

// Each calls fn for every owned slot, lowest index first
func (p *SlotPool[T]) Each(fn func(h Handle, v *T)) {
	for w, word := range p.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			word &^= 1 << uint(bit)

			i := w*wordBits + bit
			if i >= len(p.slots) {
				return
			}
			fn(makeHandle(i, p.gens[i]), &p.slots[i])
		}
	}
}

// SlotStats contains slot pool statistics
type SlotStats struct {
	Capacity  int
	InUse     int64
	Checkouts uint64
	Releases  uint64
	Exhausted uint64
}

// Stats returns pool statistics; safe to call from other goroutines
func (p *SlotPool[T]) Stats() SlotStats {
	return SlotStats{
		Capacity:  len(p.slots),
		InUse:     p.live.Load(),
		Checkouts: p.checkouts.Load(),
		Releases:  p.releases.Load(),
		Exhausted: p.exhausted.Load(),
	}
}
