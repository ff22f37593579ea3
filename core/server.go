package core

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/h-hg/tinywebserver/core/http"
	"github.com/h-hg/tinywebserver/core/poller"
	"github.com/h-hg/tinywebserver/core/pools"
	"github.com/h-hg/tinywebserver/core/router"
	"github.com/h-hg/tinywebserver/core/timer"
	"github.com/h-hg/tinywebserver/logging"
)

// Options configures a Server. A non-positive Backlog takes the
// default and a nil Logger discards; other zero values are used as
// given (port 0 picks an ephemeral port, a zero IdleTimeout disables
// idle revocation, false trigger flags select level-triggered mode).
type Options struct {
	Address string // empty binds all interfaces
	Port    int
	Backlog int

	Workers     int // 0 = one per CPU
	IdleTimeout time.Duration

	EdgeTriggeredListener bool
	EdgeTriggeredClients  bool

	Logger *logging.Logger
}

// DefaultOptions holds the recommended settings. NewServer takes only
// its Backlog, for a non-positive Backlog; other fields are not filled
// in from it.
var DefaultOptions = Options{
	Port:                  8888,
	Backlog:               128,
	IdleTimeout:           60 * time.Second,
	EdgeTriggeredListener: true,
	EdgeTriggeredClients:  true,
}

// ErrNotListening is returned by Start before Listen succeeded.
var ErrNotListening = errors.New("server: not listening")

// Server is the event loop binding the multiplexer, the connection
// table, the worker pool and the idle timer together. One goroutine
// waits for readiness and dispatches; workers drive the per-connection
// state machines; the timer revokes idle connections.
type Server struct {
	opts Options
	log  *logging.Logger

	poller   poller.Poller
	handlers *router.Table
	conns    *ConnTable
	pool     *pools.WorkerPool
	idle     *timer.Timer[int]

	listenFD int
	wakeFD   int

	listenInterest uint32
	clientBase     uint32

	running  atomic.Bool
	loopDone chan struct{}
}

// NewServer builds a server from opts.
func NewServer(opts Options) *Server {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultOptions.Backlog
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		handlers: router.New(),
		conns:    NewConnTable(),
		idle:     timer.New[int](),
		listenFD: -1,
		wakeFD:   -1,
	}
	s.listenInterest = poller.In | poller.RDHup
	if opts.EdgeTriggeredListener {
		s.listenInterest |= poller.Edge
	}
	s.clientBase = poller.OneShot | poller.RDHup
	if opts.EdgeTriggeredClients {
		s.clientBase |= poller.Edge
	}
	return s
}

// Handle registers a handler under pattern.
func (s *Server) Handle(pattern string, handler router.Handler) bool {
	return s.handlers.Register(pattern, handler)
}

// HandleDefault installs the fallback handler.
func (s *Server) HandleDefault(handler router.Handler) {
	s.handlers.SetDefault(handler)
}

// Handlers exposes the handler table.
func (s *Server) Handlers() *router.Table { return s.handlers }

// Connections exposes the connection table.
func (s *Server) Connections() *ConnTable { return s.conns }

// Listen binds the listener socket, sets it non-blocking, and
// registers it with the multiplexer under a nil tag.
func (s *Server) Listen() error {
	addr4, err := resolveInet4(s.opts.Address)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: s.opts.Port, Addr: addr4}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: bind %s:%d: %w", s.opts.Address, s.opts.Port, err)
	}
	if err := unix.Listen(fd, s.opts.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: listen: %w", err)
	}

	p, err := poller.NewPoller()
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: multiplexer: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.Close()
		unix.Close(fd)
		return fmt.Errorf("server: eventfd: %w", err)
	}
	if err := p.Add(fd, s.listenInterest, nil); err != nil {
		unix.Close(wakeFD)
		p.Close()
		unix.Close(fd)
		return fmt.Errorf("server: register listener: %w", err)
	}
	if err := p.Add(wakeFD, poller.In, nil); err != nil {
		p.Remove(fd)
		unix.Close(wakeFD)
		p.Close()
		unix.Close(fd)
		return fmt.Errorf("server: register wakeup: %w", err)
	}

	s.poller = p
	s.listenFD = fd
	s.wakeFD = wakeFD
	s.log.Infof("listening on %s:%d (backlog %d, edge listener=%v clients=%v)",
		s.opts.Address, s.opts.Port, s.opts.Backlog,
		s.opts.EdgeTriggeredListener, s.opts.EdgeTriggeredClients)
	return nil
}

// Port returns the bound port, useful when 0 was requested.
func (s *Server) Port() (int, error) {
	if s.listenFD < 0 {
		return 0, ErrNotListening
	}
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("server: unexpected sockname %T", sa)
	}
	return in4.Port, nil
}

// Start runs the event loop until Stop. It blocks the calling
// goroutine.
func (s *Server) Start() error {
	if s.poller == nil {
		return ErrNotListening
	}
	done := make(chan struct{})
	s.loopDone = done
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server: already running")
	}
	s.pool = pools.NewWorkerPool(s.opts.Workers)
	s.idle.Start()
	defer close(done)

	for s.running.Load() {
		n, err := s.poller.Wait(-1)
		if err != nil {
			if err == unix.EINTR || err == unix.ECONNABORTED {
				continue
			}
			if !s.running.Load() {
				break
			}
			s.log.Errorf("wait: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			ev := s.poller.Event(i)
			switch {
			case ev.Tag == nil && ev.FD == s.listenFD:
				s.accept()
			case ev.Tag == nil && ev.FD == s.wakeFD:
				s.drainWake()
			case ev.Tag == nil:
				// Raced with a removal; nothing owns this event.
			default:
				s.dispatch(ev)
			}
		}
		s.poller.Resize()
	}

	s.shutdown()
	return nil
}

// Stop requests shutdown and waits for the event loop to exit. Safe to
// call from any goroutine except a handler or other pool task: shutdown
// waits for in-flight tasks to finish, so a task that calls Stop never
// returns.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	var one [8]byte
	one[0] = 1 // eventfd counter increment, host byte order
	unix.Write(s.wakeFD, one[:])
	<-s.loopDone
}

// shutdown tears the server down: listener first, then timers, then
// in-flight work, then the connections themselves.
func (s *Server) shutdown() {
	s.poller.Remove(s.listenFD)
	unix.Close(s.listenFD)
	s.listenFD = -1

	s.idle.Stop()
	s.idle.Clear()

	s.pool.Pause()
	s.pool.Wait()
	s.pool.Close()

	s.conns.Clear()
	unix.Close(s.wakeFD)
	s.wakeFD = -1
	s.poller.Close()
	s.log.Infof("server stopped")
}

func (s *Server) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(s.wakeFD, b[:]); err != nil {
			return
		}
	}
}

// accept pulls pending connections off the listener: until would-block
// in edge mode, once in level mode.
func (s *Server) accept() {
	for {
		nfd, sa, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EMFILE, unix.ENFILE:
				s.log.Errorf("accept: descriptor limit: %v", err)
				return
			default:
				s.log.Errorf("accept: %v", err)
				return
			}
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		conn := NewConnection(nfd, sa)
		if _, ok := s.conns.Insert(nfd, conn); !ok {
			s.log.Errorf("accept: fd %d already owned", nfd)
			conn.Close()
			continue
		}
		s.scheduleIdle(conn)
		if err := s.poller.Add(nfd, s.clientBase|poller.In, conn); err != nil {
			s.log.Errorf("accept: register fd %d: %v", nfd, err)
			s.idle.Cancel(nfd)
			s.conns.Close(nfd)
			continue
		}
		s.log.Debugf("accepted %s on fd %d", conn.RemoteAddr(), nfd)

		if !s.opts.EdgeTriggeredListener {
			return
		}
	}
}

// dispatch routes one client readiness event to the worker pool. The
// descriptor was armed one-shot, so exactly one task owns the
// connection until it re-arms.
func (s *Server) dispatch(ev poller.Event) {
	conn, ok := ev.Tag.(*Connection)
	if !ok {
		return
	}
	switch {
	case ev.Ready&(poller.RDHup|poller.HangUp|poller.Err) != 0:
		s.closeConn(conn)
	case ev.Ready&poller.In != 0:
		s.pool.Submit(func() { s.readTask(conn) })
	case ev.Ready&poller.Out != 0:
		s.pool.Submit(func() { s.writeTask(conn) })
	}
}

// readTask drives the parser; on a complete request it locates the
// handler, runs it, assembles the response and re-arms for
// writability.
func (s *Server) readTask(conn *Connection) {
	conn.Touch()
	s.scheduleIdle(conn)

	state, req, readErr := conn.ParseFromFD(s.opts.EdgeTriggeredClients)
	switch {
	case state.IsError():
		s.log.Debugf("fd %d: protocol error: %s", conn.FD(), state)
		s.respondAndClose(conn, http.StatusBadRequest)
	case state == http.StateComplete:
		if readErr != nil {
			// Peer already closed its end; answer, then drop.
			conn.SetKeepAlive(false)
		}
		s.handle(conn, req)
	default:
		if readErr != nil {
			// Closed or failed mid-request: nothing to answer.
			s.closeConn(conn)
			return
		}
		s.rearm(conn, poller.In)
	}
}

// handle runs the matched handler and stages the response. A panic in
// user code is trapped here, the task boundary.
func (s *Server) handle(conn *Connection, req *http.Request) {
	w := conn.Writer()
	handler := s.handlers.Match(requestTarget(req.URI))
	if handler == nil {
		w.SetStatus(http.StatusNotFound)
		w.WriteString(http.StatusText(http.StatusNotFound) + "\n")
	} else if !s.invoke(handler, w, req) {
		s.respondAndClose(conn, http.StatusInternalServerError)
		return
	}
	if !conn.KeepAlive() {
		w.Header().Set(http.HeaderConnection, "close")
	}
	conn.AssembleResponse()
	s.rearm(conn, poller.Out)
}

// invoke reports false when the handler panicked.
func (s *Server) invoke(handler router.Handler, w *http.ResponseWriter, req *http.Request) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("handler panic on %s: %v", req.URI, r)
			ok = false
		}
	}()
	handler(w, req)
	return true
}

// writeTask performs one vectored send and decides what comes next:
// more writability, the next request, or teardown.
func (s *Server) writeTask(conn *Connection) {
	conn.Touch()
	s.scheduleIdle(conn)

	_, residual, err := conn.Send()
	switch {
	case err != nil:
		s.log.Debugf("fd %d: send: %v", conn.FD(), err)
		s.closeConn(conn)
	case residual > 0:
		s.rearm(conn, poller.Out)
	case conn.KeepAlive():
		conn.Reset()
		s.rearm(conn, poller.In)
	default:
		s.closeConn(conn)
	}
}

// respondAndClose stages a minimal error response, attempts one
// immediate send, and tears the connection down.
func (s *Server) respondAndClose(conn *Connection, status int) {
	w := conn.Writer()
	if !w.Flushed() {
		// Drop whatever a failed handler staged before the error.
		w.Clear()
		w.SetStatus(status)
		w.Header().Set(http.HeaderConnection, "close")
		conn.AssembleResponse()
		conn.Send()
	}
	s.closeConn(conn)
}

// rearm re-enables event delivery for the connection; one-shot arming
// silenced it when the current event was handed out.
func (s *Server) rearm(conn *Connection, ready uint32) {
	if err := s.poller.Modify(conn.FD(), s.clientBase|ready, conn); err != nil {
		s.log.Debugf("fd %d: rearm: %v", conn.FD(), err)
		s.closeConn(conn)
	}
}

// closeConn removes the connection from the multiplexer, cancels its
// idle timer, and closes it.
func (s *Server) closeConn(conn *Connection) {
	fd := conn.FD()
	s.poller.Remove(fd)
	s.idle.Cancel(fd)
	if !s.conns.Close(fd) {
		conn.Close()
	}
	s.log.Debugf("closed fd %d", fd)
}

// scheduleIdle arms or pushes back the connection's idle deadline.
func (s *Server) scheduleIdle(conn *Connection) {
	if s.opts.IdleTimeout <= 0 {
		return
	}
	fd := conn.FD()
	deadline := time.Now().Add(s.opts.IdleTimeout)
	if s.idle.Update(fd, func(t *timer.Task) { t.NextRun = deadline }) {
		return
	}
	s.idle.Add(fd, func() {
		if c := s.conns.Get(fd); c == conn {
			s.log.Debugf("fd %d: idle timeout", fd)
			s.closeConn(conn)
		}
	}, s.opts.IdleTimeout, 1, 0)
}

// requestTarget strips the query string off a request URI for handler
// matching.
func requestTarget(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			return uri[:i]
		}
	}
	return uri
}

// resolveInet4 parses a dotted-quad (or empty for INADDR_ANY) listen
// address.
func resolveInet4(address string) ([4]byte, error) {
	var addr [4]byte
	if address == "" {
		return addr, nil
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return addr, fmt.Errorf("server: bad listen address %q", address)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return addr, fmt.Errorf("server: not an IPv4 address %q", address)
	}
	copy(addr[:], ip4)
	return addr, nil
}
