package ring

import (
	"container/heap"
	"time"
)

// deadlineHeap orders armed link timeouts by expiry
type deadlineHeap []*emuOp

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *deadlineHeap) Push(x any) {
	op := x.(*emuOp)
	op.heapIdx = len(*h)
	*h = append(*h, op)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	op := old[n-1]
	old[n-1] = nil
	op.heapIdx = -1
	*h = old[:n-1]
	return op
}

func (h *deadlineHeap) arm(op *emuOp, now time.Time) {
	op.deadline = now.Add(op.d)
	heap.Push(h, op)
}

func (h *deadlineHeap) disarm(op *emuOp) {
	if op.heapIdx >= 0 && op.heapIdx < len(*h) && (*h)[op.heapIdx] == op {
		heap.Remove(h, op.heapIdx)
	}
}

// next returns the milliseconds until the earliest deadline, or -1
func (h deadlineHeap) next(now time.Time) int {
	if len(h) == 0 {
		return -1
	}
	d := h[0].deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// expired pops every op whose deadline is not after now
func (h *deadlineHeap) expired(now time.Time, fn func(op *emuOp)) {
	for len(*h) > 0 && !(*h)[0].deadline.After(now) {
		fn(heap.Pop(h).(*emuOp))
	}
}
