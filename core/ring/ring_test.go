package ring

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestCompletion_BufferID(t *testing.T) {
	c := Completion{Res: 10, Flags: bufferFlags(513)}
	bid, ok := c.BufferID()
	if !ok || bid != 513 {
		t.Errorf("Expected buffer 513, got %d (%v)", bid, ok)
	}

	if _, ok := (Completion{Res: 10}).BufferID(); ok {
		t.Error("Expected no buffer without the buffer flag")
	}
}

func TestCompletion_Errno(t *testing.T) {
	c := Completion{Res: -int32(unix.ECANCELED)}
	if c.Errno() != unix.ECANCELED || !c.Is(unix.ECANCELED) {
		t.Errorf("Expected ECANCELED, got %v", c.Errno())
	}
	if (Completion{Res: 3}).Errno() != 0 {
		t.Error("Positive results carry no errno")
	}
}

func TestDeadlineHeap_Order(t *testing.T) {
	var h deadlineHeap
	now := time.Now()

	ops := []*emuOp{
		{d: 30 * time.Millisecond, userData: 3},
		{d: 10 * time.Millisecond, userData: 1},
		{d: 20 * time.Millisecond, userData: 2},
	}
	for _, op := range ops {
		h.arm(op, now)
	}

	if got := h.next(now); got != 10 {
		t.Errorf("Expected next deadline in 10ms, got %d", got)
	}

	h.disarm(ops[2])
	if h.Len() != 2 {
		t.Fatalf("Expected 2 armed, got %d", h.Len())
	}

	var fired []uint64
	h.expired(now.Add(time.Hour), func(op *emuOp) { fired = append(fired, op.userData) })
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 3 {
		t.Errorf("Expected [1 3], got %v", fired)
	}
	if h.next(now) != -1 {
		t.Error("Expected empty heap")
	}
}

func TestDeadlineHeap_DisarmTwice(t *testing.T) {
	var h deadlineHeap
	op := &emuOp{d: time.Millisecond}
	h.arm(op, time.Now())
	h.disarm(op)
	h.disarm(op)
	if h.Len() != 0 {
		t.Errorf("Expected empty heap, got %d", h.Len())
	}
}
