// Package config loads server configuration from command-line flags
// and an INI-style file. Every key present in the file overrides the
// corresponding flag value, whether or not that flag was set.
package config

import (
	"flag"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Address string
	Port    int
	Backlog int

	Workers     int
	IdleTimeout time.Duration

	EdgeTriggerListener bool
	EdgeTriggerClients  bool

	LogLevel  string
	LogFile   string // empty logs to stderr
	LogQueue  int
	StaticDir string // empty disables the static file handler

	File string // path of the INI file, "" to skip
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                8888,
		Backlog:             128,
		IdleTimeout:         60 * time.Second,
		EdgeTriggerListener: true,
		EdgeTriggerClients:  true,
		LogLevel:            "info",
		LogQueue:            1024,
	}
}

// New loads configuration from flags, then overlays the INI file when
// one is given.
func New() (*Config, error) {
	cfg := Default()

	flag.StringVar(&cfg.File, "config", "", "path to an INI configuration file")
	flag.StringVar(&cfg.Address, "addr", cfg.Address, "listen address (empty = all interfaces)")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "worker count (0 = one per CPU)")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle connection timeout")
	flag.BoolVar(&cfg.EdgeTriggerListener, "edge-listener", cfg.EdgeTriggerListener, "edge-triggered listener")
	flag.BoolVar(&cfg.EdgeTriggerClients, "edge-clients", cfg.EdgeTriggerClients, "edge-triggered clients")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace..fatal)")
	flag.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file (empty = stderr)")
	flag.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory served under /static/")

	flag.Parse()

	if cfg.File != "" {
		if err := cfg.ApplyFile(cfg.File); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ApplyFile overlays values from the INI file at path.
func (c *Config) ApplyFile(path string) error {
	ini, err := LoadINI(path)
	if err != nil {
		return err
	}
	c.Address = ini.Get("server", "address", c.Address)
	c.Port = iniInt(ini, "server", "port", c.Port)
	c.Backlog = iniInt(ini, "server", "backlog", c.Backlog)
	c.Workers = iniInt(ini, "server", "workers", c.Workers)
	c.EdgeTriggerListener = iniBool(ini, "server", "edge_trigger_listener", c.EdgeTriggerListener)
	c.EdgeTriggerClients = iniBool(ini, "server", "edge_trigger_clients", c.EdgeTriggerClients)
	c.StaticDir = ini.Get("server", "static_dir", c.StaticDir)

	if ini.Has("timeout", "idle") {
		if d, err := time.ParseDuration(ini.Get("timeout", "idle", "")); err == nil {
			c.IdleTimeout = d
		}
	}

	c.LogLevel = ini.Get("log", "level", c.LogLevel)
	c.LogFile = ini.Get("log", "file", c.LogFile)
	c.LogQueue = iniInt(ini, "log", "queue", c.LogQueue)
	return nil
}

func iniInt(ini *INI, section, key string, def int) int {
	if v := ini.Get(section, key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func iniBool(ini *INI, section, key string, def bool) bool {
	switch ini.Get(section, key, "") {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	}
	return def
}
