//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd      int
	events    []unix.Kevent_t
	ready     []Event
	interests map[int]Interest
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:      kqfd,
		events:    make([]unix.Kevent_t, 1024),
		ready:     make([]Event, 0, 1024),
		interests: make(map[int]Interest),
	}, nil
}

func (p *KqueuePoller) apply(fd int, old, in Interest) error {
	changes := make([]unix.Kevent_t, 0, 2)
	filters := [...]struct {
		bit    Interest
		filter int16
	}{
		{InterestRead, unix.EVFILT_READ},
		{InterestWrite, unix.EVFILT_WRITE},
	}
	for _, f := range filters {
		var flags uint16
		switch {
		case in&f.bit != 0 && old&f.bit == 0:
			// Level-triggered (no EV_CLEAR)
			flags = unix.EV_ADD | unix.EV_ENABLE
		case in&f.bit == 0 && old&f.bit != 0:
			flags = unix.EV_DELETE
		default:
			continue
		}
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, int(f.filter), int(flags))
		changes = append(changes, ev)
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, in Interest) error {
	if err := p.apply(fd, 0, in); err != nil {
		return err
	}
	p.interests[fd] = in
	return nil
}

// Modify changes the interest set of fd
func (p *KqueuePoller) Modify(fd int, in Interest) error {
	if err := p.apply(fd, p.interests[fd], in); err != nil {
		return err
	}
	p.interests[fd] = in
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	old := p.interests[fd]
	delete(p.interests, fd)
	return p.apply(fd, old, 0)
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1000000)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		hup := ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		p.ready = append(p.ready, Event{
			Fd:       int(ev.Ident),
			Readable: ev.Filter == unix.EVFILT_READ || hup,
			Writable: ev.Filter == unix.EVFILT_WRITE || hup,
		})
	}

	return p.ready, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
