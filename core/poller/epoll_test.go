//go:build linux

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func mkPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestAddWaitEvent(t *testing.T) {
	p, err := NewPollerCapacity(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, w := mkPipe(t)
	type tag struct{ name string }
	owner := &tag{name: "pipe"}
	if err := p.Add(r, In, owner); err != nil {
		t.Fatalf("Add: %v", err)
	}
	unix.Write(w, []byte("x"))

	n, err := p.Wait(1000)
	if err != nil || n != 1 {
		t.Fatalf("Wait = %d, %v", n, err)
	}
	ev := p.Event(0)
	if ev.FD != r || ev.Tag != owner || ev.Ready&In == 0 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRemoveDropsTag(t *testing.T) {
	p, err := NewPollerCapacity(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, _ := mkPipe(t)
	if err := p.Add(r, In, "tag"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("Size = %d, want 1", p.Size())
	}
	if err := p.Remove(r); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("Size = %d after Remove", p.Size())
	}
}

func TestConcurrentAddDuringBlockedWait(t *testing.T) {
	p, err := NewPollerCapacity(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, w := mkPipe(t)
	got := make(chan Event, 1)
	go func() {
		// Blocks with no registered fds until the concurrent Add's fd
		// becomes ready.
		n, err := p.Wait(5000)
		if err != nil || n < 1 {
			close(got)
			return
		}
		got <- p.Event(0)
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter block
	if err := p.Add(r, In, "late"); err != nil {
		t.Fatalf("Add during Wait: %v", err)
	}
	unix.Write(w, []byte("x"))

	select {
	case ev, ok := <-got:
		if !ok {
			t.Fatal("Wait failed")
		}
		if ev.FD != r || ev.Tag != "late" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readiness of the late-added fd never delivered")
	}
}

func TestResizeBounds(t *testing.T) {
	p, err := NewPollerCapacity(4)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	// Register enough descriptors to exceed the buffer.
	var fds []int
	for i := 0; i < 3; i++ {
		r, w := mkPipe(t)
		fds = append(fds, r, w)
	}
	for _, fd := range fds {
		if err := p.Add(fd, In, nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	p.Resize() // 6 fds > 4 slots: grow to 1.5x the fd count
	if got := p.Capacity(); got != 9 {
		t.Fatalf("Capacity = %d after grow, want 9", got)
	}

	for _, fd := range fds {
		if err := p.Remove(fd); err != nil {
			t.Fatalf("Remove: %v", err)
		}
	}
	// Repeated shrinks walk back toward the floor and never below it.
	for i := 0; i < 10; i++ {
		p.Resize()
		if got := p.Capacity(); got < 4 {
			t.Fatalf("Capacity = %d shrank below the minimum", got)
		}
	}
	if got := p.Capacity(); got != 4 {
		t.Fatalf("Capacity = %d, want the 4-slot floor", got)
	}
}

func TestOneShotSilencesUntilRearm(t *testing.T) {
	p, err := NewPollerCapacity(16)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	r, w := mkPipe(t)
	if err := p.Add(r, In|OneShot, "conn"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	unix.Write(w, []byte("x"))

	if n, _ := p.Wait(1000); n != 1 {
		t.Fatalf("first Wait delivered %d events", n)
	}
	// Still readable, but the one-shot arming was consumed.
	if n, _ := p.Wait(50); n != 0 {
		t.Fatal("one-shot fd delivered twice without re-arm")
	}
	if err := p.Modify(r, In|OneShot, "conn"); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if n, _ := p.Wait(1000); n != 1 {
		t.Fatal("re-armed fd not delivered")
	}
}
