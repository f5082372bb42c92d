package pools

import (
	"errors"
	"testing"
)

func newProvidedGroup(t *testing.T, count, size int) *BufferGroup {
	t.Helper()
	g, err := NewBufferGroup(7, count, size)
	if err != nil {
		t.Fatal(err)
	}
	g.MarkAllProvided()
	return g
}

func TestBufferGroup_ClaimReturnProvide(t *testing.T) {
	g := newProvidedGroup(t, 4, 16)

	lease, err := g.Claim(2)
	if err != nil {
		t.Fatal(err)
	}
	copy(lease.Bytes(), "hello")

	if g.InKernel() != 3 || g.CheckedOut() != 1 {
		t.Errorf("Expected 3/1 kernel/checked out, got %d/%d", g.InKernel(), g.CheckedOut())
	}

	bid, err := g.Return(lease)
	if err != nil {
		t.Fatal(err)
	}
	if bid != 2 {
		t.Errorf("Expected bid 2, got %d", bid)
	}
	if g.Pending() != 1 {
		t.Errorf("Expected 1 pending, got %d", g.Pending())
	}
	if string(g.Slice(bid)[:5]) != "hello" {
		t.Errorf("Slice does not address buffer %d", bid)
	}

	if err := g.MarkProvided(bid); err != nil {
		t.Fatal(err)
	}
	if g.InKernel() != 4 || g.Pending() != 0 {
		t.Errorf("Expected all buffers back in kernel, got %d in kernel, %d pending", g.InKernel(), g.Pending())
	}
}

func TestBufferGroup_ReturnExactlyOnce(t *testing.T) {
	g := newProvidedGroup(t, 2, 8)

	lease, _ := g.Claim(0)
	if _, err := g.Return(lease); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Return(lease); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("Expected ErrLeaseReleased, got %v", err)
	}
	if lease.Valid() {
		t.Error("Returned lease must not be valid")
	}
}

func TestBufferGroup_ReadAfterReturnPanics(t *testing.T) {
	g := newProvidedGroup(t, 1, 8)

	lease, _ := g.Claim(0)
	g.Return(lease)

	defer func() {
		if r := recover(); r != ErrLeaseReleased {
			t.Errorf("Expected panic with ErrLeaseReleased, got %v", r)
		}
	}()
	_ = lease.Bytes()
}

func TestBufferGroup_StaleLeaseAfterReclaim(t *testing.T) {
	g := newProvidedGroup(t, 1, 8)

	old, _ := g.Claim(0)
	g.Return(old)
	g.MarkProvided(0)

	fresh, err := g.Claim(0)
	if err != nil {
		t.Fatal(err)
	}
	if old.Valid() {
		t.Error("Old lease must stay invalid after the buffer is claimed again")
	}
	if _, err := g.Return(old); !errors.Is(err, ErrLeaseReleased) {
		t.Errorf("Expected ErrLeaseReleased for old lease, got %v", err)
	}
	if !fresh.Valid() {
		t.Error("Fresh lease must be valid")
	}
}

func TestBufferGroup_ClaimState(t *testing.T) {
	g, err := NewBufferGroup(1, 2, 8)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := g.Claim(0); !errors.Is(err, ErrBufferState) {
		t.Errorf("Claim before provide: expected ErrBufferState, got %v", err)
	}
	if _, err := g.Claim(9); !errors.Is(err, ErrBufferID) {
		t.Errorf("Expected ErrBufferID, got %v", err)
	}

	g.MarkAllProvided()
	g.Claim(1)
	if _, err := g.Claim(1); !errors.Is(err, ErrBufferState) {
		t.Errorf("Double claim: expected ErrBufferState, got %v", err)
	}
	if err := g.MarkProvided(0); !errors.Is(err, ErrBufferState) {
		t.Errorf("Provide of in-kernel buffer: expected ErrBufferState, got %v", err)
	}
}

func TestNewBufferGroup_Bounds(t *testing.T) {
	if _, err := NewBufferGroup(1, 0, 8); err == nil {
		t.Error("Expected error for zero count")
	}
	if _, err := NewBufferGroup(1, MaxGroupBuffers+1, 8); err == nil {
		t.Error("Expected error for too many buffers")
	}
	if _, err := NewBufferGroup(1, 1, 0); err == nil {
		t.Error("Expected error for zero size")
	}
}
