//go:build linux || darwin

package poller

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func find(events []Event, fd int) (Event, bool) {
	for _, ev := range events {
		if ev.Fd == fd {
			return ev, true
		}
	}
	return Event{}, false
}

func TestPoller_ReadReadiness(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	a, b := socketPair(t)
	if err := p.Add(a, InterestRead); err != nil {
		t.Fatal(err)
	}

	events, err := p.Wait(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := find(events, a); ok {
		t.Error("Expected no readiness before data arrives")
	}

	if _, err := unix.Write(b, []byte("ping")); err != nil {
		t.Fatal(err)
	}

	events, err = p.Wait(1000)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := find(events, a)
	if !ok || !ev.Readable {
		t.Errorf("Expected fd %d readable, got %+v", a, events)
	}
}

func TestPoller_ModifyToWrite(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	a, _ := socketPair(t)
	if err := p.Add(a, InterestRead); err != nil {
		t.Fatal(err)
	}
	if err := p.Modify(a, InterestWrite); err != nil {
		t.Fatal(err)
	}

	events, err := p.Wait(1000)
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := find(events, a)
	if !ok || !ev.Writable {
		t.Errorf("Expected fd %d writable, got %+v", a, events)
	}

	if err := p.Remove(a); err != nil {
		t.Fatal(err)
	}
	events, err = p.Wait(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := find(events, a); ok {
		t.Error("Expected no events after Remove")
	}
}

func TestPoller_PeerCloseWakesReader(t *testing.T) {
	p, err := NewPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])

	if err := p.Add(fds[0], InterestRead); err != nil {
		t.Fatal(err)
	}
	unix.Close(fds[1])

	events, err := p.Wait(1000)
	if err != nil {
		t.Fatal(err)
	}
	if ev, ok := find(events, fds[0]); !ok || !ev.Readable {
		t.Errorf("Expected hangup to report readable, got %+v", events)
	}
}

func TestSetNonblock(t *testing.T) {
	a, _ := socketPair(t)

	if err := SetNonblock(a); err != nil {
		t.Fatal(err)
	}
	flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
	if err != nil {
		t.Fatal(err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("Expected O_NONBLOCK to be set")
	}

	var buf [1]byte
	if _, err := unix.Read(a, buf[:]); err != unix.EAGAIN {
		t.Errorf("Expected EAGAIN from an empty nonblocking socket, got %v", err)
	}
}
