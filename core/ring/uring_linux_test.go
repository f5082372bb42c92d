//go:build linux

package ring

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestUring(t *testing.T) *Uring {
	t.Helper()
	r, err := NewUring(32)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestUring_ProvideRecvAndTimeout(t *testing.T) {
	r := newTestUring(t)
	a, b := socketPair(t)

	arena := make([]byte, 2*64)
	if err := r.PrepProvideBuffers(arena, 64, 2, 1, 0, 1); err != nil {
		t.Fatal(err)
	}
	cs := waitFor(t, r, 1)
	if cs[0].Res < 0 {
		t.Skipf("provide buffers unsupported: %v", cs[0].Errno())
	}

	if _, err := unix.Write(b, []byte("GET / HTTP/1.1\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.PrepRecv(a, 1, 64, 2, FlagLink); err != nil {
		t.Fatal(err)
	}
	if err := r.PrepLinkTimeout(time.Second, 3); err != nil {
		t.Fatal(err)
	}
	cs = waitFor(t, r, 2)

	recv, ok := byUserData(cs, 2)
	if !ok || recv.Res != 16 {
		t.Fatalf("Expected 16 bytes received, got %+v", cs)
	}
	bid, ok := recv.BufferID()
	if !ok {
		t.Fatal("Expected a selected buffer")
	}
	off := int(bid) * 64
	if got := string(arena[off : off+16]); got != "GET / HTTP/1.1\r\n" {
		t.Errorf("Unexpected buffer contents %q", got)
	}
	if timeout, _ := byUserData(cs, 3); !timeout.Is(unix.ECANCELED) {
		t.Errorf("Expected cancelled timeout, got %+v", timeout)
	}
}

func TestUring_LinkTimeoutFires(t *testing.T) {
	r := newTestUring(t)
	a, _ := socketPair(t)

	arena := make([]byte, 64)
	if err := r.PrepProvideBuffers(arena, 64, 1, 1, 0, 1); err != nil {
		t.Fatal(err)
	}
	if cs := waitFor(t, r, 1); cs[0].Res < 0 {
		t.Skipf("provide buffers unsupported: %v", cs[0].Errno())
	}

	if err := r.PrepRecv(a, 1, 64, 2, FlagLink); err != nil {
		t.Fatal(err)
	}
	if err := r.PrepLinkTimeout(20*time.Millisecond, 3); err != nil {
		t.Fatal(err)
	}
	cs := waitFor(t, r, 2)

	if recv, _ := byUserData(cs, 2); recv.Res >= 0 {
		t.Errorf("Expected bounded receive to fail, got %+v", recv)
	}
	if timeout, _ := byUserData(cs, 3); !timeout.Is(unix.ETIME) {
		t.Errorf("Expected -ETIME, got %+v", timeout)
	}
}

func TestUring_LinkTimeoutRequiresLinkedOp(t *testing.T) {
	r := newTestUring(t)
	if err := r.PrepLinkTimeout(time.Second, 1); err != ErrNoLink {
		t.Errorf("Expected ErrNoLink, got %v", err)
	}
}
