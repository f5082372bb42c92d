//go:build !linux

package ring

import (
	"time"
)

// Uring is unavailable outside Linux
type Uring struct{}

// NewUring always fails outside Linux
func NewUring(entries uint32) (*Uring, error) {
	return nil, ErrUnsupported
}

func (r *Uring) PrepAccept(fd int, userData uint64) error { return ErrUnsupported }

func (r *Uring) PrepRecv(fd int, group uint16, maxLen int, userData uint64, flags Flags) error {
	return ErrUnsupported
}

func (r *Uring) PrepSend(fd int, buf []byte, userData uint64, flags Flags) error {
	return ErrUnsupported
}

func (r *Uring) PrepProvideBuffers(buf []byte, size, count int, group, startID uint16, userData uint64) error {
	return ErrUnsupported
}

func (r *Uring) PrepLinkTimeout(d time.Duration, userData uint64) error { return ErrUnsupported }

func (r *Uring) PrepTimeout(d time.Duration, userData uint64) error { return ErrUnsupported }

func (r *Uring) Reserve(n int) error { return ErrUnsupported }

func (r *Uring) Submit() error { return ErrUnsupported }

func (r *Uring) SubmitAndWait(min int) error { return ErrUnsupported }

func (r *Uring) Reap(dst []Completion) []Completion { return dst }

func (r *Uring) Backend() string { return BackendUring }

func (r *Uring) Close() error { return nil }
