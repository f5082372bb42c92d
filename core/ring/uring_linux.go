//go:build linux

package ring

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	opTimeout         = 11
	opAccept          = 13
	opLinkTimeout     = 15
	opSend            = 26
	opRecv            = 27
	opProvideBuffers  = 31
	sqeFlagIOLink     = 1 << 2
	sqeFlagBufSelect  = 1 << 5
	enterGetevents    = 1 << 0
	setupClamp        = 1 << 4
	setupCoopTaskrun  = 1 << 8
	featSingleMmap    = 1 << 0
	offSqRing         = 0
	offCqRing         = 0x8000000
	offSqes           = 0x10000000
	sqeSize           = 64
	cqeSize           = 16
	minEntries        = 8
	defaultUringDepth = 4096
)

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

type uringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

// sqe mirrors struct io_uring_sqe
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	Pad         uint64
}

// cqe mirrors struct io_uring_cqe
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Uring is a native io_uring instance
type Uring struct {
	fd int

	sqRing  []byte
	cqRing  []byte
	sqesMap []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqEntries uint32
	sqArray   []uint32
	sqes      []sqe
	localTail uint32

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []cqe

	// timespecs backs link-timeout SQEs, one per submission slot; the
	// kernel copies the value at submission
	timespecs []unix.Timespec
	lastFlags *uint8

	closed bool
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	mod := v % alignment
	if mod == 0 {
		return v
	}
	return v + alignment - mod
}

// NewUring sets up an io_uring with at least entries submission slots
func NewUring(entries uint32) (*Uring, error) {
	if entries == 0 {
		entries = defaultUringDepth
	}
	if entries < minEntries {
		entries = minEntries
	}

	flagSets := []uint32{
		setupClamp | setupCoopTaskrun,
		setupClamp,
	}
	flagSetIdx := 0
	tries := entries

	for {
		params := uringParams{Flags: flagSets[flagSetIdx]}
		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(tries), uintptr(unsafe.Pointer(&params)), 0)
		if errno != 0 {
			if errno == unix.EINVAL && flagSetIdx < len(flagSets)-1 {
				flagSetIdx++
				continue
			}
			if errno == unix.ENOMEM && tries > minEntries {
				tries /= 2
				continue
			}
			return nil, fmt.Errorf("io_uring_setup: %w", errno)
		}

		r := &Uring{fd: int(fd)}
		if err := r.mapRings(&params); err != nil {
			r.Close()
			return nil, fmt.Errorf("io_uring mmap: %w", err)
		}
		r.timespecs = make([]unix.Timespec, r.sqEntries)
		return r, nil
	}
}

func (r *Uring) mapRings(params *uringParams) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(params.SqOff.Array+params.SqEntries*4, pageSize)
	cqRingSize := alignUint32(params.CqOff.Cqes+params.CqEntries*cqeSize, pageSize)

	single := params.Features&featSingleMmap != 0
	if single {
		if sqRingSize > cqRingSize {
			cqRingSize = sqRingSize
		} else {
			sqRingSize = cqRingSize
		}
	}

	sqRing, err := unix.Mmap(r.fd, offSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.sqRing = sqRing

	if single {
		r.cqRing = sqRing
	} else {
		cqRing, err := unix.Mmap(r.fd, offCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return err
		}
		r.cqRing = cqRing
	}

	sqesMap, err := unix.Mmap(r.fd, offSqes, int(params.SqEntries)*sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.sqesMap = sqesMap

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[params.SqOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[params.SqOff.Tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqRing[params.SqOff.RingMask]))
	r.sqEntries = *(*uint32)(unsafe.Pointer(&r.sqRing[params.SqOff.RingEntries]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqRing[params.SqOff.Array])), params.SqEntries)
	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&sqesMap[0])), params.SqEntries)
	r.localTail = atomic.LoadUint32(r.sqTail)

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[params.CqOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[params.CqOff.Tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqRing[params.CqOff.RingMask]))
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&r.cqRing[params.CqOff.Cqes])), params.CqEntries)

	if unsafe.Sizeof(sqe{}) != sqeSize || unsafe.Sizeof(cqe{}) != cqeSize {
		return fmt.Errorf("io_uring entry size mismatch: sqe %d cqe %d", unsafe.Sizeof(sqe{}), unsafe.Sizeof(cqe{}))
	}
	return nil
}

// getSqe stages a zeroed entry; the entry becomes visible to the kernel on
// the next submit
func (r *Uring) getSqe() (*sqe, uint32, error) {
	if r.closed {
		return nil, 0, ErrClosed
	}
	head := atomic.LoadUint32(r.sqHead)
	if r.localTail-head >= r.sqEntries {
		return nil, 0, ErrQueueFull
	}

	idx := r.localTail & r.sqMask
	e := &r.sqes[idx]
	*e = sqe{}
	r.sqArray[idx] = idx
	r.localTail++
	r.lastFlags = &e.Flags
	return e, idx, nil
}

func (e *sqe) setLink(flags Flags) {
	if flags&FlagLink != 0 {
		e.Flags |= sqeFlagIOLink
	}
}

// PrepAccept stages IORING_OP_ACCEPT without a peer address
func (r *Uring) PrepAccept(fd int, userData uint64) error {
	e, _, err := r.getSqe()
	if err != nil {
		return err
	}
	e.Opcode = opAccept
	e.Fd = int32(fd)
	e.OpFlags = unix.SOCK_CLOEXEC
	e.UserData = userData
	return nil
}

// PrepRecv stages IORING_OP_RECV with buffer selection from group
func (r *Uring) PrepRecv(fd int, group uint16, maxLen int, userData uint64, flags Flags) error {
	e, _, err := r.getSqe()
	if err != nil {
		return err
	}
	e.Opcode = opRecv
	e.Fd = int32(fd)
	e.Len = uint32(maxLen)
	e.Flags = sqeFlagBufSelect
	e.BufIndex = group
	e.UserData = userData
	e.setLink(flags)
	return nil
}

// PrepSend stages IORING_OP_SEND
func (r *Uring) PrepSend(fd int, buf []byte, userData uint64, flags Flags) error {
	e, _, err := r.getSqe()
	if err != nil {
		return err
	}
	e.Opcode = opSend
	e.Fd = int32(fd)
	if len(buf) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	e.Len = uint32(len(buf))
	e.OpFlags = unix.MSG_NOSIGNAL
	e.UserData = userData
	e.setLink(flags)
	return nil
}

// PrepProvideBuffers stages IORING_OP_PROVIDE_BUFFERS
func (r *Uring) PrepProvideBuffers(buf []byte, size, count int, group, startID uint16, userData uint64) error {
	if len(buf) < size*count {
		return fmt.Errorf("provide %d buffers of %d bytes from %d", count, size, len(buf))
	}
	e, _, err := r.getSqe()
	if err != nil {
		return err
	}
	e.Opcode = opProvideBuffers
	e.Fd = int32(count)
	e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	e.Len = uint32(size)
	e.Off = uint64(startID)
	e.BufIndex = group
	e.UserData = userData
	return nil
}

// PrepLinkTimeout stages IORING_OP_LINK_TIMEOUT for the previous entry
func (r *Uring) PrepLinkTimeout(d time.Duration, userData uint64) error {
	if r.lastFlags == nil || *r.lastFlags&sqeFlagIOLink == 0 {
		return ErrNoLink
	}
	e, idx, err := r.getSqe()
	if err != nil {
		return err
	}
	r.timespecs[idx] = unix.NsecToTimespec(d.Nanoseconds())
	e.Opcode = opLinkTimeout
	e.Addr = uint64(uintptr(unsafe.Pointer(&r.timespecs[idx])))
	e.Len = 1
	e.UserData = userData
	return nil
}

// PrepTimeout stages a standalone IORING_OP_TIMEOUT
func (r *Uring) PrepTimeout(d time.Duration, userData uint64) error {
	e, idx, err := r.getSqe()
	if err != nil {
		return err
	}
	r.timespecs[idx] = unix.NsecToTimespec(d.Nanoseconds())
	e.Opcode = opTimeout
	e.Addr = uint64(uintptr(unsafe.Pointer(&r.timespecs[idx])))
	e.Len = 1
	e.UserData = userData
	return nil
}

// Reserve makes room for n entries
func (r *Uring) Reserve(n int) error {
	if r.closed {
		return ErrClosed
	}
	if uint32(n) > r.sqEntries {
		return ErrQueueFull
	}
	if r.sqEntries-(r.localTail-atomic.LoadUint32(r.sqHead)) >= uint32(n) {
		return nil
	}
	if err := r.Submit(); err != nil {
		return err
	}
	if r.sqEntries-(r.localTail-atomic.LoadUint32(r.sqHead)) < uint32(n) {
		return ErrQueueFull
	}
	return nil
}

func (r *Uring) enter(submit, wait uint32) error {
	var flags uintptr
	if wait > 0 {
		flags = enterGetevents
	}

	for {
		_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(submit), uintptr(wait), flags, 0, 0)
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EBUSY:
			// Completion queue backlog; the caller reaps and retries
			return nil
		default:
			return fmt.Errorf("io_uring_enter: %w", errno)
		}
	}
}

func (r *Uring) flush() uint32 {
	r.lastFlags = nil
	atomic.StoreUint32(r.sqTail, r.localTail)
	return r.localTail - atomic.LoadUint32(r.sqHead)
}

// Submit flushes staged entries
func (r *Uring) Submit() error {
	if r.closed {
		return ErrClosed
	}
	n := r.flush()
	if n == 0 {
		return nil
	}
	return r.enter(n, 0)
}

// SubmitAndWait flushes staged entries and waits for min completions
func (r *Uring) SubmitAndWait(min int) error {
	if r.closed {
		return ErrClosed
	}
	if min > 0 && atomic.LoadUint32(r.cqTail) != atomic.LoadUint32(r.cqHead) {
		min = 0
	}
	n := r.flush()
	if n == 0 && min == 0 {
		return nil
	}
	return r.enter(n, uint32(min))
}

// Reap appends every available completion to dst
func (r *Uring) Reap(dst []Completion) []Completion {
	if r.closed {
		return dst
	}
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for ; head != tail; head++ {
		c := &r.cqes[head&r.cqMask]
		dst = append(dst, Completion{UserData: c.UserData, Res: c.Res, Flags: c.Flags})
	}
	atomic.StoreUint32(r.cqHead, head)
	return dst
}

// Backend names the implementation
func (r *Uring) Backend() string { return BackendUring }

// Close unmaps the rings and closes the ring descriptor
func (r *Uring) Close() error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.sqesMap != nil {
		if e := unix.Munmap(r.sqesMap); e != nil && err == nil {
			err = e
		}
		r.sqesMap = nil
	}
	if r.cqRing != nil && len(r.sqRing) > 0 && &r.cqRing[0] != &r.sqRing[0] {
		if e := unix.Munmap(r.cqRing); e != nil && err == nil {
			err = e
		}
	}
	r.cqRing = nil
	if r.sqRing != nil {
		if e := unix.Munmap(r.sqRing); e != nil && err == nil {
			err = e
		}
		r.sqRing = nil
	}
	if r.fd >= 0 {
		if e := unix.Close(r.fd); e != nil && err == nil {
			err = e
		}
		r.fd = -1
	}
	return err
}
