package ring

import (
	"time"

	"github.com/searchktools/sehttpd/core/poller"
	"golang.org/x/sys/unix"
)

type opKind uint8

const (
	kindAccept opKind = iota
	kindRecv
	kindSend
	kindProvide
	kindLinkTimeout
	kindTimeout
)

type emuOp struct {
	kind     opKind
	fd       int
	userData uint64
	link     bool

	// recv
	group  uint16
	maxLen int

	// send, provide
	buf     []byte
	size    int
	count   int
	startID uint16

	// link timeout
	d        time.Duration
	deadline time.Time
	heapIdx  int
	parent   *emuOp
	timeout  *emuOp
}

type emuBuf struct {
	bid uint16
	buf []byte
}

type fdWatch struct {
	read       *emuOp
	write      *emuOp
	registered poller.Interest
}

// Emulated implements Ring on a readiness poller. Operations are attempted
// nonblocking at submission and retried on readiness; link timeouts are
// kept in a deadline heap and complete exactly like native ones (-ETIME on
// the timeout, -ECANCELED on the operation it bounded).
type Emulated struct {
	poller  poller.Poller
	entries int

	staged []*emuOp
	done   []Completion
	fds    map[int]*fdWatch
	groups map[uint16][]emuBuf
	timers deadlineHeap

	closed bool
}

// NewEmulated creates an emulated ring staging at most entries operations
// between submissions
func NewEmulated(entries uint32) (*Emulated, error) {
	if entries == 0 {
		entries = defaultDepth
	}
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}
	return &Emulated{
		poller:  p,
		entries: int(entries),
		staged:  make([]*emuOp, 0, entries),
		fds:     make(map[int]*fdWatch),
		groups:  make(map[uint16][]emuBuf),
	}, nil
}

const defaultDepth = 4096

func (r *Emulated) stage(op *emuOp) error {
	if r.closed {
		return ErrClosed
	}
	if len(r.staged) >= r.entries {
		return ErrQueueFull
	}
	op.heapIdx = -1
	r.staged = append(r.staged, op)
	return nil
}

// PrepAccept stages an accept
func (r *Emulated) PrepAccept(fd int, userData uint64) error {
	return r.stage(&emuOp{kind: kindAccept, fd: fd, userData: userData})
}

// PrepRecv stages a buffer-selecting receive
func (r *Emulated) PrepRecv(fd int, group uint16, maxLen int, userData uint64, flags Flags) error {
	return r.stage(&emuOp{kind: kindRecv, fd: fd, group: group, maxLen: maxLen, userData: userData, link: flags&FlagLink != 0})
}

// PrepSend stages a send
func (r *Emulated) PrepSend(fd int, buf []byte, userData uint64, flags Flags) error {
	return r.stage(&emuOp{kind: kindSend, fd: fd, buf: buf, userData: userData, link: flags&FlagLink != 0})
}

// PrepProvideBuffers stages a provide-buffers operation
func (r *Emulated) PrepProvideBuffers(buf []byte, size, count int, group, startID uint16, userData uint64) error {
	return r.stage(&emuOp{kind: kindProvide, buf: buf, size: size, count: count, group: group, startID: startID, userData: userData})
}

// PrepLinkTimeout bounds the previously staged FlagLink operation
func (r *Emulated) PrepLinkTimeout(d time.Duration, userData uint64) error {
	if len(r.staged) == 0 {
		return ErrNoLink
	}
	parent := r.staged[len(r.staged)-1]
	if !parent.link || parent.timeout != nil {
		return ErrNoLink
	}
	op := &emuOp{kind: kindLinkTimeout, d: d, userData: userData, parent: parent}
	if err := r.stage(op); err != nil {
		return err
	}
	parent.timeout = op
	return nil
}

// PrepTimeout stages a standalone timer
func (r *Emulated) PrepTimeout(d time.Duration, userData uint64) error {
	return r.stage(&emuOp{kind: kindTimeout, d: d, userData: userData})
}

// Reserve makes room for n staged entries
func (r *Emulated) Reserve(n int) error {
	if r.closed {
		return ErrClosed
	}
	if n > r.entries {
		return ErrQueueFull
	}
	if len(r.staged)+n <= r.entries {
		return nil
	}
	return r.Submit()
}

// Submit starts every staged operation
func (r *Emulated) Submit() error {
	if r.closed {
		return ErrClosed
	}
	now := time.Now()
	staged := r.staged
	r.staged = r.staged[:0]

	for i, op := range staged {
		staged[i] = nil
		switch op.kind {
		case kindProvide:
			r.provide(op)
		case kindLinkTimeout:
			// Armed with its parent
		case kindTimeout:
			r.timers.arm(op, now)
		default:
			if op.timeout != nil {
				r.timers.arm(op.timeout, now)
			}
			r.start(op)
		}
	}
	return nil
}

func (r *Emulated) provide(op *emuOp) {
	if op.size <= 0 || op.count <= 0 || len(op.buf) < op.size*op.count {
		r.complete(op, -int32(unix.EINVAL), 0)
		return
	}
	free := r.groups[op.group]
	for i := 0; i < op.count; i++ {
		off := i * op.size
		free = append(free, emuBuf{
			bid: op.startID + uint16(i),
			buf: op.buf[off : off+op.size : off+op.size],
		})
	}
	r.groups[op.group] = free
	r.complete(op, 0, 0)
}

func (r *Emulated) start(op *emuOp) {
	w := r.fds[op.fd]
	if w == nil {
		if err := poller.SetNonblock(op.fd); err != nil {
			r.complete(op, errnoRes(err), 0)
			return
		}
		w = &fdWatch{}
		r.fds[op.fd] = w
	}

	if op.kind == kindSend {
		if w.write != nil {
			r.complete(op, -int32(unix.EBUSY), 0)
			return
		}
		w.write = op
	} else {
		if w.read != nil {
			r.complete(op, -int32(unix.EBUSY), 0)
			return
		}
		w.read = op
	}

	if !r.attempt(op) {
		r.sync(op.fd, w)
	}
}

// attempt runs op once; false means it would block
func (r *Emulated) attempt(op *emuOp) bool {
	switch op.kind {
	case kindAccept:
		nfd, _, err := unix.Accept(op.fd)
		if err == unix.EAGAIN || err == unix.EINTR {
			return false
		}
		if err != nil {
			r.complete(op, errnoRes(err), 0)
			return true
		}
		unix.CloseOnExec(nfd)
		r.complete(op, int32(nfd), 0)
		return true

	case kindRecv:
		free := r.groups[op.group]
		if len(free) == 0 {
			r.complete(op, -int32(unix.ENOBUFS), 0)
			return true
		}
		b := free[len(free)-1]
		buf := b.buf
		if op.maxLen > 0 && op.maxLen < len(buf) {
			buf = buf[:op.maxLen]
		}
		n, err := unix.Read(op.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			return false
		}
		if err != nil {
			r.complete(op, errnoRes(err), 0)
			return true
		}
		r.groups[op.group] = free[:len(free)-1]
		r.complete(op, int32(n), bufferFlags(b.bid))
		return true

	case kindSend:
		n, err := unix.Write(op.fd, op.buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			return false
		}
		if err != nil {
			r.complete(op, errnoRes(err), 0)
			return true
		}
		r.complete(op, int32(n), 0)
		return true
	}
	return true
}

// complete posts op's completion, detaches it from its descriptor and
// cancels its link timeout
func (r *Emulated) complete(op *emuOp, res int32, flags uint32) {
	r.done = append(r.done, Completion{UserData: op.userData, Res: res, Flags: flags})

	if w := r.fds[op.fd]; w != nil && (op.kind == kindAccept || op.kind == kindRecv || op.kind == kindSend) {
		if w.read == op {
			w.read = nil
		}
		if w.write == op {
			w.write = nil
		}
		r.sync(op.fd, w)
	}

	if t := op.timeout; t != nil {
		op.timeout = nil
		t.parent = nil
		r.timers.disarm(t)
		r.done = append(r.done, Completion{UserData: t.userData, Res: -int32(unix.ECANCELED)})
	}
}

func (r *Emulated) sync(fd int, w *fdWatch) {
	var want poller.Interest
	if w.read != nil {
		want |= poller.InterestRead
	}
	if w.write != nil {
		want |= poller.InterestWrite
	}

	var err error
	switch {
	case want == w.registered:
	case w.registered == 0:
		err = r.poller.Add(fd, want)
	case want == 0:
		err = r.poller.Remove(fd)
	default:
		err = r.poller.Modify(fd, want)
	}
	if err != nil {
		// The descriptor cannot be polled; fail what is waiting on it
		w.registered = 0
		res := errnoRes(err)
		if op := w.read; op != nil {
			w.read = nil
			r.complete(op, res, 0)
		}
		if op := w.write; op != nil {
			w.write = nil
			r.complete(op, res, 0)
		}
		delete(r.fds, fd)
		return
	}
	w.registered = want
	if want == 0 {
		delete(r.fds, fd)
	}
}

func (r *Emulated) expire(op *emuOp) {
	parent := op.parent
	op.parent = nil
	r.done = append(r.done, Completion{UserData: op.userData, Res: -int32(unix.ETIME)})
	if parent != nil {
		parent.timeout = nil
		r.complete(parent, -int32(unix.ECANCELED), 0)
	}
}

// SubmitAndWait submits staged operations and polls until at least min
// completions are ready
func (r *Emulated) SubmitAndWait(min int) error {
	if err := r.Submit(); err != nil {
		return err
	}

	for len(r.done) < min {
		timeout := r.timers.next(time.Now())
		if timeout < 0 && len(r.fds) == 0 {
			// Nothing in flight can ever complete
			return nil
		}

		events, err := r.poller.Wait(timeout)
		if err != nil {
			return err
		}
		for _, ev := range events {
			w := r.fds[ev.Fd]
			if w == nil {
				continue
			}
			if ev.Readable && w.read != nil {
				r.attempt(w.read)
			}
			// The read may have detached the watch
			if w = r.fds[ev.Fd]; w != nil && ev.Writable && w.write != nil {
				r.attempt(w.write)
			}
		}
		r.timers.expired(time.Now(), r.expire)
	}
	return nil
}

// Reap appends every available completion to dst
func (r *Emulated) Reap(dst []Completion) []Completion {
	dst = append(dst, r.done...)
	r.done = r.done[:0]
	return dst
}

// Backend names the implementation
func (r *Emulated) Backend() string { return BackendEmulated }

// Close releases the poller; staged and in-flight operations are dropped
func (r *Emulated) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.staged = nil
	r.fds = nil
	r.timers = nil
	return r.poller.Close()
}

func errnoRes(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
