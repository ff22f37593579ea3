// Package poller wraps the kernel readiness-notification facility. It
// owns the per-fd registration table (an opaque tag returned with each
// ready event) and the ready-event scratch buffer, which it resizes
// adaptively as the number of live descriptors changes.
package poller

// Event is one ready event: the descriptor, its readiness bits, and
// the tag supplied at registration. The server registers its listener
// and its wakeup descriptor with a nil tag.
type Event struct {
	FD    int
	Ready uint32
	Tag   any
}

// Poller is the readiness multiplexer. Registration methods may be
// called concurrently with a blocked Wait.
type Poller interface {
	// Add registers fd with the given interest set and tag.
	Add(fd int, interest uint32, tag any) error
	// Modify replaces the interest set and tag of a registered fd.
	// Re-arming a one-shot descriptor goes through Modify.
	Modify(fd int, interest uint32, tag any) error
	// Remove deletes fd from the multiplexer.
	Remove(fd int) error
	// Wait blocks for up to timeoutMs (-1 blocks indefinitely) and
	// returns the number of ready events filled into the scratch
	// buffer.
	Wait(timeoutMs int) (int, error)
	// Event returns the i-th ready event of the last Wait.
	Event(i int) Event
	// Resize adapts the scratch buffer to the live descriptor count.
	Resize()
	// Size reports the number of registered descriptors.
	Size() int
	// Capacity reports the current scratch buffer length.
	Capacity() int
	Close() error
}
