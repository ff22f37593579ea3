/*
Package tinywebserver is a single-host HTTP/1.1 server built directly
on epoll. One event-loop goroutine waits for readiness and dispatches;
a fixed worker pool drives the per-connection protocol state machines;
a keyed timer revokes idle connections.

Descriptors are armed one-shot, so at most one worker ever touches a
given connection — the re-arm before a task returns is the exclusive
access token, and no per-connection locking exists. Responses are
assembled in a segment-chained buffer that adopts externally-owned
memory (memory-mapped files) with release callbacks, and go out through
a single vectored write.

Quick start:

	cfg := config.Default()
	application, err := app.New(cfg)
	if err != nil {
		// ...
	}

	server := application.Server()
	server.Handle("/hello", func(w *http.ResponseWriter, req *http.Request) {
		w.WriteString("Hello, World!")
	})
	server.Handle("/files/", func(w *http.ResponseWriter, req *http.Request) {
		_ = w.AdoptFile("/srv" + req.URI) // spliced in without copying
	})

	os.Exit(application.Run())

Modules:

  - config: flag + INI-file configuration
  - app: application lifecycle and signal handling
  - core: event loop, connections, connection table
  - core/buffer: contiguous and segment-chained I/O buffers
  - core/poller: the readiness multiplexer (epoll)
  - core/http: request parser, response writer, forms
  - core/router: exact and longest-prefix handler matching
  - core/pools: the worker pool
  - core/timer: the keyed, cancellable timer
  - logging: asynchronous structured log sink
*/
package tinywebserver
