package pools

import (
	"errors"
	"testing"
)

type record struct {
	id   int
	data int
}

func TestSlotPool_CheckoutLowestFree(t *testing.T) {
	pool := NewSlotPool[record](130, func(i int, r *record) { r.id = i })

	for want := 0; want < 130; want++ {
		h, r, err := pool.Checkout()
		if err != nil {
			t.Fatalf("Checkout %d: %v", want, err)
		}
		if h.Index() != want || r.id != want {
			t.Errorf("Expected slot %d, got index=%d record=%d", want, h.Index(), r.id)
		}
	}

	if pool.InUse() != 130 {
		t.Errorf("Expected 130 in use, got %d", pool.InUse())
	}
}

func TestSlotPool_Exhaustion(t *testing.T) {
	pool := NewSlotPool[record](3, nil)

	owned := make(map[int]bool)
	for i := 0; i < 3; i++ {
		h, r, err := pool.Checkout()
		if err != nil {
			t.Fatal(err)
		}
		r.data = 100 + h.Index()
		owned[h.Index()] = true
	}

	_, r, err := pool.Checkout()
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("Expected ErrExhausted, got %v", err)
	}
	if r != nil {
		t.Error("Expected nil record on exhaustion")
	}

	// Existing records untouched
	pool.Each(func(h Handle, r *record) {
		if r.data != 100+h.Index() {
			t.Errorf("Slot %d overwritten: %d", h.Index(), r.data)
		}
	})

	if got := pool.Stats().Exhausted; got != 1 {
		t.Errorf("Expected 1 exhaustion, got %d", got)
	}
}

func TestSlotPool_ReleaseAndReuse(t *testing.T) {
	pool := NewSlotPool[record](200, nil)

	handles := make([]Handle, 0, 150)
	for i := 0; i < 150; i++ {
		h, _, err := pool.Checkout()
		if err != nil {
			t.Fatal(err)
		}
		handles = append(handles, h)
	}

	freed := 0
	for i, h := range handles {
		if i%3 == 0 {
			if err := pool.Release(h); err != nil {
				t.Fatalf("Release %d: %v", h.Index(), err)
			}
			freed++
		}
	}

	if pool.InUse() != 150-freed {
		t.Errorf("Expected %d in use, got %d", 150-freed, pool.InUse())
	}

	// No two live allocations share an index
	seen := make(map[int]bool)
	pool.Each(func(h Handle, _ *record) {
		if seen[h.Index()] {
			t.Errorf("Duplicate live slot %d", h.Index())
		}
		seen[h.Index()] = true
	})
	for i := 0; i < freed; i++ {
		h, _, err := pool.Checkout()
		if err != nil {
			t.Fatal(err)
		}
		if seen[h.Index()] {
			t.Errorf("Checkout returned live slot %d", h.Index())
		}
		seen[h.Index()] = true
	}
}

func TestSlotPool_DoubleReleaseIsSafe(t *testing.T) {
	pool := NewSlotPool[record](4, nil)

	h, _, _ := pool.Checkout()
	if err := pool.Release(h); err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Expected ErrStaleHandle, got %v", err)
	}

	// The slot is handed out again with a new generation
	h2, _, _ := pool.Checkout()
	if h2.Index() != h.Index() {
		t.Fatalf("Expected reuse of slot %d, got %d", h.Index(), h2.Index())
	}
	if h2.Generation() == h.Generation() {
		t.Error("Expected a new generation on reuse")
	}

	// The stale handle cannot free the new owner's slot
	if err := pool.Release(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Expected ErrStaleHandle for old generation, got %v", err)
	}
	if _, ok := pool.Get(h); ok {
		t.Error("Stale handle must not resolve")
	}
	if _, ok := pool.Get(h2); !ok {
		t.Error("Live handle must resolve")
	}
	if pool.InUse() != 1 {
		t.Errorf("Expected 1 in use, got %d", pool.InUse())
	}
}

func TestSlotPool_ZeroHandleNeverValid(t *testing.T) {
	pool := NewSlotPool[record](1, nil)
	pool.Checkout()

	if _, ok := pool.Get(0); ok {
		t.Error("Zero handle resolved")
	}
	if err := pool.Release(0); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Expected ErrStaleHandle, got %v", err)
	}
}

func BenchmarkSlotPool_CheckoutRelease(b *testing.B) {
	pool := NewSlotPool[record](4096, nil)
	for i := 0; i < 2048; i++ {
		pool.Checkout()
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _, _ := pool.Checkout()
		pool.Release(h)
	}
}
