//go:build linux

package poller

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// Interest and readiness bits.
const (
	In      = uint32(unix.EPOLLIN)
	Out     = uint32(unix.EPOLLOUT)
	RDHup   = uint32(unix.EPOLLRDHUP)
	HangUp  = uint32(unix.EPOLLHUP)
	Err     = uint32(unix.EPOLLERR)
	Edge    = uint32(unix.EPOLLET)
	OneShot = uint32(unix.EPOLLONESHOT)
)

// DefaultMinCapacity is the floor for the ready-event scratch buffer.
const DefaultMinCapacity = 4 * 1024

// Epoll is the Linux Poller. A readers/writer lock guards the scratch
// buffer: Wait holds it shared so registrations proceed concurrently
// (the kernel tolerates epoll_ctl during a blocked epoll_wait), Resize
// holds it exclusive. The registration table is a concurrent map so
// tags can be installed and looked up without touching that lock.
type Epoll struct {
	epfd   int
	minCap int

	mu     sync.RWMutex
	events []unix.EpollEvent

	tags *xsync.MapOf[int32, any]
	nfd  *xsync.Counter
}

// NewPoller creates an epoll instance with the default minimum scratch
// buffer capacity.
func NewPoller() (Poller, error) {
	return NewPollerCapacity(DefaultMinCapacity)
}

// NewPollerCapacity creates an epoll instance whose scratch buffer
// never shrinks below minCapacity.
func NewPollerCapacity(minCapacity int) (Poller, error) {
	if minCapacity <= 0 {
		minCapacity = DefaultMinCapacity
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		epfd:   epfd,
		minCap: minCapacity,
		events: make([]unix.EpollEvent, minCapacity),
		tags:   xsync.NewMapOf[int32, any](),
		nfd:    xsync.NewCounter(),
	}, nil
}

// Add registers fd with the given interest set and tag.
func (p *Epoll) Add(fd int, interest uint32, tag any) error {
	if fd < 0 {
		return unix.EBADF
	}
	p.tags.Store(int32(fd), tag)
	ev := unix.EpollEvent{Events: interest, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.tags.Delete(int32(fd))
		return err
	}
	p.nfd.Inc()
	return nil
}

// Modify replaces the interest set and tag of a registered fd.
func (p *Epoll) Modify(fd int, interest uint32, tag any) error {
	if fd < 0 {
		return unix.EBADF
	}
	p.tags.Store(int32(fd), tag)
	ev := unix.EpollEvent{Events: interest, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deletes fd from the multiplexer and drops its tag.
func (p *Epoll) Remove(fd int) error {
	if fd < 0 {
		return unix.EBADF
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}
	if _, loaded := p.tags.LoadAndDelete(int32(fd)); loaded {
		p.nfd.Dec()
	}
	return nil
}

// Wait blocks until readiness, filling the scratch buffer. The caller
// inspects results through Event before the next Wait or Resize.
func (p *Epoll) Wait(timeoutMs int) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return unix.EpollWait(p.epfd, p.events, timeoutMs)
}

// Event returns the i-th ready event of the last Wait.
func (p *Epoll) Event(i int) Event {
	ev := p.events[i]
	tag, _ := p.tags.Load(ev.Fd)
	return Event{FD: int(ev.Fd), Ready: ev.Events, Tag: tag}
}

// Size reports the number of registered descriptors.
func (p *Epoll) Size() int { return int(p.nfd.Value()) }

// Capacity reports the scratch buffer length.
func (p *Epoll) Capacity() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.events)
}

// Resize adapts the scratch buffer to the live descriptor count:
// shrink to 0.75x (never below the minimum) once fewer than half the
// slots are in use, grow to 1.5x the descriptor count once it exceeds
// the buffer. The asymmetric factors damp oscillation.
func (p *Epoll) Resize() {
	n := int(p.nfd.Value())
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case n < len(p.events)/2 && len(p.events) > p.minCap:
		size := len(p.events) * 3 / 4
		if size < p.minCap {
			size = p.minCap
		}
		p.events = make([]unix.EpollEvent, size)
	case n > len(p.events):
		p.events = make([]unix.EpollEvent, n*3/2)
	}
}

// Close releases the epoll descriptor.
func (p *Epoll) Close() error {
	return unix.Close(p.epfd)
}
