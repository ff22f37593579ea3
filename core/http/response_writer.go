package http

import (
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/h-hg/tinywebserver/core/buffer"
)

// ResponseWriter accumulates a response: status line fields, headers,
// and a body held in a segment-chained buffer so adopted regions
// (memory-mapped files) ride along without copying.
//
// Once assembled into an outbound buffer the writer is immutable until
// Clear.
type ResponseWriter struct {
	resp    *Response
	body    *buffer.Vector
	flushed bool
}

// NewResponseWriter returns a writer with an empty body.
func NewResponseWriter() *ResponseWriter {
	return &ResponseWriter{
		resp: NewResponse(),
		body: buffer.NewVector(),
	}
}

// Status returns the status code set so far (0 if unset).
func (w *ResponseWriter) Status() int { return w.resp.Status }

// SetStatus sets the status code. Codes outside 1xx-5xx are refused.
func (w *ResponseWriter) SetStatus(code int) bool {
	if w.flushed || !ValidStatus(code) {
		return false
	}
	w.resp.Status = code
	return true
}

// SetReason overrides the canonical reason phrase.
func (w *ResponseWriter) SetReason(reason string) {
	if !w.flushed {
		w.resp.Reason = reason
	}
}

// SetVersion overrides the HTTP version ("1.1" by default).
func (w *ResponseWriter) SetVersion(version string) {
	if !w.flushed {
		w.resp.Version = version
	}
}

// Header returns the response header map.
func (w *ResponseWriter) Header() Header { return w.resp.Header }

// Write appends p to the body.
func (w *ResponseWriter) Write(p []byte) {
	if !w.flushed {
		w.body.Write(p)
	}
}

// WriteString appends s to the body.
func (w *ResponseWriter) WriteString(s string) {
	if !w.flushed {
		w.body.WriteString(s)
	}
}

// Adopt splices an externally-owned region into the body. release is
// invoked exactly once when the region is no longer needed.
func (w *ResponseWriter) Adopt(p []byte, release buffer.ReleaseFunc, readonly bool) {
	if !w.flushed {
		w.body.Adopt(p, release, readonly)
	}
}

// AdoptFile memory-maps the file at path read-only and splices the
// mapping into the body; the mapping is unmapped when the response has
// been sent. An empty file contributes nothing.
func (w *ResponseWriter) AdoptFile(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return err
	}
	if st.Size == 0 {
		return nil
	}
	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	w.Adopt(data, func(p []byte) { _ = unix.Munmap(p) }, true)
	return nil
}

// BodySize reports the bytes accumulated in the body.
func (w *ResponseWriter) BodySize() int { return w.body.ReadableSize() }

// Assemble serializes the status line and header block into out and
// moves the body segments after them, then marks the writer flushed.
// Unset fields fall back: status 200, reason from the canonical table,
// version 1.1. Content-Length is filled in from the body when absent.
func (w *ResponseWriter) Assemble(out *buffer.Vector) {
	if w.flushed {
		return
	}
	resp := w.resp
	if resp.Status == 0 {
		resp.Status = StatusOK
	}
	if resp.Reason == "" {
		resp.Reason = StatusText(resp.Status)
	}
	if resp.Version == "" {
		resp.Version = "1.1"
	}
	if _, ok := resp.Header.GetFold(HeaderContentLength); !ok {
		resp.Header.Set(HeaderContentLength, strconv.Itoa(w.body.ReadableSize()))
	}

	out.WriteString("HTTP/" + resp.Version + " " + strconv.Itoa(resp.Status) + " " + resp.Reason + "\r\n")
	for name, value := range resp.Header {
		out.WriteString(name + ": " + value + "\r\n")
	}
	out.WriteString("\r\n")
	out.WriteVector(w.body)
	w.flushed = true
}

// Flushed reports whether Assemble has run.
func (w *ResponseWriter) Flushed() bool { return w.flushed }

// Clear resets the writer for the next request on the connection.
func (w *ResponseWriter) Clear() {
	w.resp.Clear()
	w.body.Clear()
	w.flushed = false
}
