package http

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/h-hg/tinywebserver/core/buffer"
)

// State is the request parser state.
type State int

const (
	StateInit State = iota
	StateParsingRequestLine
	StateParsingHeader
	StateAwaitingBodySize
	StateParsingBody
	StateComplete
	StateErrorRead
	StateErrorRequestLine
	StateErrorHeader
	StateErrorMissingEmptyLine
	StateErrorBodyLength
)

// IsError reports whether s is terminal; the connection must be closed
// by the caller.
func (s State) IsError() bool { return s >= StateErrorRead }

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateParsingRequestLine:
		return "parsing-request-line"
	case StateParsingHeader:
		return "parsing-header"
	case StateAwaitingBodySize:
		return "awaiting-body-size"
	case StateParsingBody:
		return "parsing-body"
	case StateComplete:
		return "complete"
	case StateErrorRead:
		return "error-read"
	case StateErrorRequestLine:
		return "error-request-line"
	case StateErrorHeader:
		return "error-header"
	case StateErrorMissingEmptyLine:
		return "error-missing-empty-line"
	case StateErrorBodyLength:
		return "error-body-length"
	}
	return "unknown"
}

const (
	// readChunk is the growth step for the input buffer while draining
	// a socket.
	readChunk = 5 * 1024

	// DefaultLineCap bounds how many bytes may accumulate without a
	// CRLF before the line is rejected.
	DefaultLineCap = 8 * 1024
)

var crlf = []byte("\r\n")

// RequestParser is the incremental HTTP/1.1 request state machine. It
// consumes bytes from a non-blocking descriptor (or raw chunks) and
// yields at most one complete Request per cycle; after COMPLETE the
// next call starts over on a fresh request.
type RequestParser struct {
	buf      *buffer.Buffer
	state    State
	req      *Request
	bodySize int
	lineCap  int
}

// NewRequestParser returns a parser in the INIT state.
func NewRequestParser() *RequestParser {
	return &RequestParser{
		buf:     buffer.NewBuffer(),
		state:   StateInit,
		lineCap: DefaultLineCap,
	}
}

// SetLineCap adjusts the no-CRLF byte cap.
func (p *RequestParser) SetLineCap(n int) bool {
	if n <= 0 {
		return false
	}
	p.lineCap = n
	return true
}

// State returns the current parser state.
func (p *RequestParser) State() State { return p.state }

// Clear resets the parser to INIT and drops buffered input.
func (p *RequestParser) Clear() {
	p.buf.Clear()
	p.state = StateInit
	p.req = nil
	p.bodySize = 0
}

// ConsumeFromFD drains the descriptor into the internal buffer and
// drives the state machine. In edge-triggered mode the socket is read
// until it would block; in level-triggered mode a single successful
// read suffices, the remainder being delivered by the next readiness
// event.
//
// The returned error reports the read outcome out of band: io.EOF when
// the peer closed, the raw system error when the read failed. A
// complete Request is returned exactly once.
func (p *RequestParser) ConsumeFromFD(fd int, edgeTriggered bool) (State, *Request, error) {
	if p.state == StateComplete {
		p.state = StateInit
	}

	var readErr error
drain:
	for {
		p.buf.EnsureWritable(readChunk)
		n, err := unix.Read(fd, p.buf.WritableBytes())
		switch {
		case n > 0:
			p.buf.AdvanceWrite(n)
			if !edgeTriggered {
				break drain
			}
		case n == 0:
			readErr = io.EOF
			break drain
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			break drain
		case err == unix.EINTR:
			// retry
		default:
			p.state = StateErrorRead
			return p.state, nil, err
		}
	}

	state, req := p.advance()
	return state, req, readErr
}

// Consume feeds a raw chunk into the parser and drives the state
// machine. It is the fd-less entry used when bytes arrive from
// elsewhere.
func (p *RequestParser) Consume(chunk []byte) (State, *Request) {
	if p.state == StateComplete {
		p.state = StateInit
	}
	p.buf.Write(chunk)
	return p.advance()
}

// advance drives the state machine over the accumulated buffer until
// it stalls, completes, or errors.
func (p *RequestParser) advance() (State, *Request) {
	for {
		switch p.state {
		case StateInit:
			p.req = NewRequest()
			p.bodySize = 0
			p.state = StateParsingRequestLine

		case StateParsingRequestLine:
			line, ok := p.nextLine()
			if !ok {
				if p.buf.ReadableSize() > p.lineCap {
					p.state = StateErrorRequestLine
					continue
				}
				return p.state, nil
			}
			if !p.parseRequestLine(line) {
				p.state = StateErrorRequestLine
				continue
			}
			p.state = StateParsingHeader

		case StateParsingHeader:
			line, ok := p.nextLine()
			if !ok {
				if p.buf.ReadableSize() > p.lineCap {
					p.state = StateErrorMissingEmptyLine
					continue
				}
				return p.state, nil
			}
			if len(line) == 0 {
				p.state = StateAwaitingBodySize
				continue
			}
			if !p.parseHeaderLine(line) {
				p.state = StateErrorHeader
				continue
			}

		case StateAwaitingBodySize:
			if te, ok := p.req.Header.GetFold(HeaderTransferEncoding); ok && !strings.EqualFold(te, "identity") {
				// No chunked support in this profile.
				p.state = StateErrorBodyLength
				continue
			}
			cl, ok := p.req.Header.GetFold(HeaderContentLength)
			if !ok {
				if p.req.Method.mayCarryBody() {
					p.state = StateErrorBodyLength
					continue
				}
				p.bodySize = 0
				p.state = StateParsingBody
				continue
			}
			size, err := strconv.Atoi(cl)
			if err != nil || size < 0 {
				p.state = StateErrorBodyLength
				continue
			}
			p.bodySize = size
			p.state = StateParsingBody

		case StateParsingBody:
			need := p.bodySize - len(p.req.Body)
			if need > 0 {
				avail := p.buf.Bytes()
				if len(avail) > need {
					avail = avail[:need]
				}
				p.req.Body = append(p.req.Body, avail...)
				p.buf.AdvanceRead(len(avail))
			}
			if len(p.req.Body) < p.bodySize {
				return p.state, nil
			}
			if p.buf.ReadableSize() > 0 {
				// Bytes beyond the declared length cannot be framed.
				p.state = StateErrorBodyLength
				continue
			}
			p.state = StateComplete

		case StateComplete:
			req := p.req
			p.req = nil
			return StateComplete, req

		default: // terminal error states
			return p.state, nil
		}
	}
}

// nextLine extracts the bytes up to the next CRLF, consuming the
// terminator. Only the exact two-byte sequence terminates a field; a
// lone CR or LF stays part of it.
func (p *RequestParser) nextLine() ([]byte, bool) {
	data := p.buf.Bytes()
	idx := bytes.Index(data, crlf)
	if idx < 0 {
		return nil, false
	}
	line := data[:idx]
	p.buf.AdvanceRead(idx + 2)
	return line, true
}

// parseRequestLine parses "METHOD SP TARGET SP HTTP/VERSION".
func (p *RequestParser) parseRequestLine(line []byte) bool {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return false
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 <= 0 {
		return false
	}
	proto := rest[sp2+1:]
	if !bytes.HasPrefix(proto, []byte("HTTP/")) || len(proto) == len("HTTP/") {
		return false
	}
	method := ParseMethod(string(line[:sp1]))
	if method == MethodUnknown {
		return false
	}
	p.req.Method = method
	p.req.URI = string(rest[:sp2])
	p.req.Version = string(proto[len("HTTP/"):])
	return true
}

// parseHeaderLine parses "name: value" with an optional single leading
// space in the value. The last duplicate of a name wins.
func (p *RequestParser) parseHeaderLine(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return false
	}
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	p.req.Header.Set(string(line[:colon]), string(value))
	return true
}
