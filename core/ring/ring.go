// Package ring provides the submission/completion queue the event loop runs
// on: a native io_uring backend on Linux and an emulated backend over a
// readiness poller for everything else.
package ring

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Ring errors
var (
	ErrQueueFull   = errors.New("submission queue full")
	ErrClosed      = errors.New("ring closed")
	ErrUnsupported = errors.New("io_uring not supported on this platform")
	ErrNoLink      = errors.New("link timeout without a linked operation")
)

// Flags modify a prepared operation
type Flags uint8

const (
	// FlagLink chains the next prepared operation to this one; used to
	// attach a link timeout.
	FlagLink Flags = 1 << iota
)

// Completion flag bits
const (
	cqeFlagBuffer  = 1 << 0
	cqeBufferShift = 16
)

// Completion is one reaped completion queue entry. Res is the operation
// result or a negated errno.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// BufferID returns the id of the provided buffer the operation consumed
func (c Completion) BufferID() (uint16, bool) {
	if c.Flags&cqeFlagBuffer == 0 {
		return 0, false
	}
	return uint16(c.Flags >> cqeBufferShift), true
}

// Errno returns the error carried by a negative result
func (c Completion) Errno() unix.Errno {
	if c.Res >= 0 {
		return 0
	}
	return unix.Errno(-c.Res)
}

// Is reports whether the completion failed with errno
func (c Completion) Is(errno unix.Errno) bool {
	return c.Res < 0 && unix.Errno(-c.Res) == errno
}

func bufferFlags(bid uint16) uint32 {
	return uint32(bid)<<cqeBufferShift | cqeFlagBuffer
}

// Ring is a submission/completion queue. Prep calls only stage entries;
// nothing reaches the kernel before Submit or SubmitAndWait. A Ring is
// owned by one goroutine.
type Ring interface {
	// PrepAccept accepts one connection on a listening socket
	PrepAccept(fd int, userData uint64) error
	// PrepRecv receives up to maxLen bytes into a buffer selected from group
	PrepRecv(fd int, group uint16, maxLen int, userData uint64, flags Flags) error
	// PrepSend sends buf; the memory must stay untouched until completion
	PrepSend(fd int, buf []byte, userData uint64, flags Flags) error
	// PrepProvideBuffers hands count buffers of size bytes, starting at
	// buffer id startID, to group
	PrepProvideBuffers(buf []byte, size, count int, group, startID uint16, userData uint64) error
	// PrepLinkTimeout bounds the previously prepared FlagLink operation
	PrepLinkTimeout(d time.Duration, userData uint64) error
	// PrepTimeout completes with -ETIME after d
	PrepTimeout(d time.Duration, userData uint64) error

	// Reserve makes room for n entries, submitting staged ones if needed.
	// Linked pairs reserve both entries first so a link never dangles.
	Reserve(n int) error

	// Submit flushes staged entries
	Submit() error
	// SubmitAndWait flushes staged entries and blocks until at least min
	// completions are available
	SubmitAndWait(min int) error
	// Reap appends every available completion to dst
	Reap(dst []Completion) []Completion

	// Backend names the implementation
	Backend() string
	Close() error
}

// Backend names
const (
	BackendAuto     = "auto"
	BackendUring    = "uring"
	BackendEmulated = "emulated"
)

// New creates a ring of the requested backend. "auto" prefers io_uring
// and falls back to the emulated backend when the kernel refuses it.
func New(backend string, entries uint32, log *logrus.Entry) (Ring, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "ring")

	switch backend {
	case BackendUring:
		r, err := NewUring(entries)
		if err != nil {
			return nil, err
		}
		return r, nil
	case BackendEmulated:
		return newEmulated(entries)
	case BackendAuto, "":
		r, err := NewUring(entries)
		if err == nil {
			return r, nil
		}
		log.WithError(err).Warn("io_uring unavailable, using emulated ring")
		return newEmulated(entries)
	default:
		return nil, fmt.Errorf("unknown ring backend %q", backend)
	}
}

func newEmulated(entries uint32) (Ring, error) {
	r, err := NewEmulated(entries)
	if err != nil {
		return nil, err
	}
	return r, nil
}
