// Package app manages application lifecycle: it assembles the logger
// and the server from configuration, runs the event loop, and turns
// termination signals into a graceful stop.
package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/h-hg/tinywebserver/config"
	"github.com/h-hg/tinywebserver/core"
	"github.com/h-hg/tinywebserver/logging"
)

// App is the application instance.
type App struct {
	cfg    *config.Config
	log    *logging.Logger
	sink   *logging.AsyncSink
	server *core.Server
}

// New builds an application from cfg.
func New(cfg *config.Config) (*App, error) {
	out := os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = f
	}
	sink := logging.NewAsyncSink(out, cfg.LogQueue)
	log := logging.New(sink, logging.ParseLevel(cfg.LogLevel))

	server := core.NewServer(core.Options{
		Address:               cfg.Address,
		Port:                  cfg.Port,
		Backlog:               cfg.Backlog,
		Workers:               cfg.Workers,
		IdleTimeout:           cfg.IdleTimeout,
		EdgeTriggeredListener: cfg.EdgeTriggerListener,
		EdgeTriggeredClients:  cfg.EdgeTriggerClients,
		Logger:                log,
	})

	return &App{cfg: cfg, log: log, sink: sink, server: server}, nil
}

// Server returns the underlying server for handler registration.
func (a *App) Server() *core.Server { return a.server }

// Logger returns the application logger.
func (a *App) Logger() *logging.Logger { return a.log }

// Run binds the listener and drives the event loop until a signal or a
// programmatic Stop. It returns the process exit code.
func (a *App) Run() int {
	if err := a.server.Listen(); err != nil {
		a.log.Errorf("startup failed: %v", err)
		a.sink.Close()
		return 1
	}

	go a.awaitSignal()

	a.log.Infof("tinywebserver starting on %s:%d (%d workers)",
		a.cfg.Address, a.cfg.Port, a.cfg.Workers)
	if err := a.server.Start(); err != nil {
		a.log.Errorf("server: %v", err)
		a.sink.Close()
		return 1
	}
	a.sink.Close()
	return 0
}

// Stop shuts the server down programmatically.
func (a *App) Stop() { a.server.Stop() }

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	a.log.Infof("signal received: %v, shutting down", sig)
	a.server.Stop()
}
