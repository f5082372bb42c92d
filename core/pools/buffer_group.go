package pools

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Buffer group errors
var (
	ErrLeaseReleased = errors.New("buffer lease already released")
	ErrBufferState   = errors.New("buffer not in expected state")
	ErrBufferID      = errors.New("buffer id out of range")
)

// MaxGroupBuffers is the largest buffer count a group can hold; buffer ids
// travel in 16 bits of a completion's flags.
const MaxGroupBuffers = 1 << 16

type bufState uint8

const (
	// bufPending: owned by user space, waiting to be handed to the ring
	bufPending bufState = iota
	// bufInKernel: provided to the ring, selectable by a receive
	bufInKernel
	// bufCheckedOut: claimed by a read completion, bound to a connection
	bufCheckedOut
)

// BufferGroup is a fixed set of equal-size receive buffers carved out of one
// arena. Ownership moves kernel -> connection on Claim and back on Return;
// there is no reference counting.
type BufferGroup struct {
	id    uint16
	size  int
	arena []byte
	state []bufState
	gens  []uint32

	inKernel   atomic.Int64
	checkedOut atomic.Int64
	claims     atomic.Uint64
	returns    atomic.Uint64
}

// Lease is the single-owner handle to a claimed buffer. It stops being
// readable the moment it is returned.
type Lease struct {
	g   *BufferGroup
	bid uint16
	gen uint32
}

// NewBufferGroup allocates count buffers of size bytes. Every buffer starts
// pending until the group is provided to the ring.
func NewBufferGroup(id uint16, count, size int) (*BufferGroup, error) {
	if count <= 0 || count > MaxGroupBuffers {
		return nil, fmt.Errorf("buffer count %d: %w", count, ErrBufferID)
	}
	if size <= 0 {
		return nil, fmt.Errorf("buffer size %d must be positive", size)
	}

	g := &BufferGroup{
		id:    id,
		size:  size,
		arena: make([]byte, count*size),
		state: make([]bufState, count),
		gens:  make([]uint32, count),
	}
	for i := range g.gens {
		g.gens[i] = 1
	}
	return g, nil
}

// ID returns the group id the ring knows this group by
func (g *BufferGroup) ID() uint16 { return g.id }

// Size returns the size of one buffer
func (g *BufferGroup) Size() int { return g.size }

// Count returns the number of buffers
func (g *BufferGroup) Count() int { return len(g.state) }

// Arena returns the backing memory of all buffers, buffer i at i*Size()
func (g *BufferGroup) Arena() []byte { return g.arena }

// Slice returns the memory of buffer bid for a provide operation
func (g *BufferGroup) Slice(bid uint16) []byte {
	off := int(bid) * g.size
	return g.arena[off : off+g.size : off+g.size]
}

// MarkAllProvided records that the whole arena was handed to the ring
func (g *BufferGroup) MarkAllProvided() {
	for i := range g.state {
		g.state[i] = bufInKernel
	}
	g.inKernel.Store(int64(len(g.state)))
}

// MarkProvided records that buffer bid was handed back to the ring
func (g *BufferGroup) MarkProvided(bid uint16) error {
	if int(bid) >= len(g.state) {
		return ErrBufferID
	}
	if g.state[bid] != bufPending {
		return fmt.Errorf("provide buffer %d: %w", bid, ErrBufferState)
	}
	g.state[bid] = bufInKernel
	g.inKernel.Add(1)
	return nil
}

// MarkPending takes back a buffer whose provide operation failed
func (g *BufferGroup) MarkPending(bid uint16) error {
	if int(bid) >= len(g.state) {
		return ErrBufferID
	}
	if g.state[bid] != bufInKernel {
		return fmt.Errorf("unprovide buffer %d: %w", bid, ErrBufferState)
	}
	g.state[bid] = bufPending
	g.inKernel.Add(-1)
	return nil
}

// Claim takes ownership of the buffer a read completion reported
func (g *BufferGroup) Claim(bid uint16) (Lease, error) {
	if int(bid) >= len(g.state) {
		return Lease{}, ErrBufferID
	}
	if g.state[bid] != bufInKernel {
		return Lease{}, fmt.Errorf("claim buffer %d: %w", bid, ErrBufferState)
	}

	g.state[bid] = bufCheckedOut
	g.inKernel.Add(-1)
	g.checkedOut.Add(1)
	g.claims.Add(1)
	return Lease{g: g, bid: bid, gen: g.gens[bid]}, nil
}

// Return hands a lease back. The buffer becomes pending: the caller owes the
// ring one provide operation for the returned id.
func (g *BufferGroup) Return(l Lease) (uint16, error) {
	if l.g != g || !l.Valid() {
		return 0, ErrLeaseReleased
	}

	g.state[l.bid] = bufPending
	g.gens[l.bid]++
	g.checkedOut.Add(-1)
	g.returns.Add(1)
	return l.bid, nil
}

// InKernel returns the number of buffers currently selectable by the ring
func (g *BufferGroup) InKernel() int { return int(g.inKernel.Load()) }

// CheckedOut returns the number of buffers bound to connections
func (g *BufferGroup) CheckedOut() int { return int(g.checkedOut.Load()) }

// Pending returns the number of buffers owed to the ring
func (g *BufferGroup) Pending() int {
	return len(g.state) - g.InKernel() - g.CheckedOut()
}

// BufferStats contains buffer group statistics
type BufferStats struct {
	Count      int
	Size       int
	InKernel   int64
	CheckedOut int64
	Claims     uint64
	Returns    uint64
}

// Stats returns group statistics; safe to call from other goroutines
func (g *BufferGroup) Stats() BufferStats {
	return BufferStats{
		Count:      len(g.state),
		Size:       g.size,
		InKernel:   g.inKernel.Load(),
		CheckedOut: g.checkedOut.Load(),
		Claims:     g.claims.Load(),
		Returns:    g.returns.Load(),
	}
}

// IsZero reports whether l holds no buffer
func (l Lease) IsZero() bool { return l.g == nil }

// ID returns the buffer id
func (l Lease) ID() uint16 { return l.bid }

// Valid reports whether the lease still owns its buffer
func (l Lease) Valid() bool {
	return l.g != nil && l.g.state[l.bid] == bufCheckedOut && l.g.gens[l.bid] == l.gen
}

// Bytes returns the leased buffer. Reading a returned lease is a bug and
// panics with ErrLeaseReleased.
func (l Lease) Bytes() []byte {
	if !l.Valid() {
		panic(ErrLeaseReleased)
	}
	return l.g.Slice(l.bid)
}
