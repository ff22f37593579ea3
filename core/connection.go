// Package core wires the multiplexer, the per-connection protocol
// state machines, the worker pool and the keyed timer into an
// edge-triggered, non-blocking HTTP/1.1 server.
package core

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/h-hg/tinywebserver/core/buffer"
	"github.com/h-hg/tinywebserver/core/http"
)

// Connection is the per-client state: descriptor, peer address, the
// lazily-built parser and response writer, and the assembled outbound
// buffer. A Connection is touched by at most one worker at a time; the
// one-shot arming of its descriptor is the exclusive-access token, so
// no mutex guards these fields.
type Connection struct {
	fd   int
	addr unix.Sockaddr

	parser *http.RequestParser
	writer *http.ResponseWriter
	out    *buffer.Vector

	keepAlive  bool
	lastActive atomic.Int64 // unix nanos
	closed     atomic.Bool
}

// NewConnection wraps an accepted descriptor.
func NewConnection(fd int, addr unix.Sockaddr) *Connection {
	c := &Connection{fd: fd, addr: addr, keepAlive: true}
	c.Touch()
	return c
}

// FD returns the client descriptor.
func (c *Connection) FD() int { return c.fd }

// RemoteAddr formats the peer address.
func (c *Connection) RemoteAddr() string {
	switch sa := c.addr.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3], sa.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", sa.Addr, sa.Port)
	}
	return ""
}

// Parser returns the request parser, building it on first use.
func (c *Connection) Parser() *http.RequestParser {
	if c.parser == nil {
		c.parser = http.NewRequestParser()
	}
	return c.parser
}

// Writer returns the response writer, building it on first use.
func (c *Connection) Writer() *http.ResponseWriter {
	if c.writer == nil {
		c.writer = http.NewResponseWriter()
	}
	return c.writer
}

// ParseFromFD pulls bytes off the descriptor and advances the request
// state machine. On a complete request the keep-alive flag is updated
// from its headers.
func (c *Connection) ParseFromFD(edgeTriggered bool) (http.State, *http.Request, error) {
	state, req, err := c.Parser().ConsumeFromFD(c.fd, edgeTriggered)
	if req != nil {
		c.keepAlive = req.IsKeepAlive()
	}
	return state, req, err
}

// KeepAlive reports whether the connection persists after the current
// response.
func (c *Connection) KeepAlive() bool { return c.keepAlive }

// SetKeepAlive overrides the keep-alive flag.
func (c *Connection) SetKeepAlive(v bool) { c.keepAlive = v }

// Touch records activity now.
func (c *Connection) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns the time of the most recent activity.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// AssembleResponse serializes the writer's status line, headers and
// body into the outbound buffer, ready for vectored sending.
func (c *Connection) AssembleResponse() {
	if c.out == nil {
		c.out = buffer.NewVector()
	}
	c.Writer().Assemble(c.out)
}

// Send performs one vectored write of the outbound buffer and advances
// its read cursor by the bytes accepted. It returns the bytes sent and
// the residual still unsent; a would-block leaves the residual for the
// next writability event.
func (c *Connection) Send() (sent int, residual int, err error) {
	if c.out == nil {
		return 0, 0, nil
	}
	iovs := c.out.ReadableVectors()
	if len(iovs) == 0 {
		return 0, 0, nil
	}
	n, err := unix.Writev(c.fd, iovs)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, c.out.ReadableSize(), nil
		}
		return 0, c.out.ReadableSize(), err
	}
	c.out.Consume(n)
	return n, c.out.ReadableSize(), nil
}

// Reset clears the parser, writer and outbound buffer for the next
// request on a keep-alive connection. Descriptor and address persist.
func (c *Connection) Reset() {
	if c.parser != nil {
		c.parser.Clear()
	}
	if c.writer != nil {
		c.writer.Clear()
	}
	if c.out != nil {
		c.out.Clear()
	}
}

// Close closes the descriptor once and releases any adopted outbound
// segments. Safe to call repeatedly.
func (c *Connection) Close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	_ = unix.Close(c.fd)
	if c.out != nil {
		c.out.Clear()
	}
	if c.writer != nil {
		c.writer.Clear()
	}
	return true
}
