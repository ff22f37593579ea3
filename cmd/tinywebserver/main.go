package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/h-hg/tinywebserver/app"
	"github.com/h-hg/tinywebserver/config"
	"github.com/h-hg/tinywebserver/core/http"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't parse config: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can't initialize: %v\n", err)
		os.Exit(1)
	}

	server := application.Server()
	server.Handle("/", func(w *http.ResponseWriter, req *http.Request) {
		w.Header().Set(http.HeaderContentType, "text/plain; charset=utf-8")
		w.WriteString("tinywebserver is running\n")
	})
	if cfg.StaticDir != "" {
		server.Handle("/static/", staticHandler(cfg.StaticDir))
	}

	os.Exit(application.Run())
}

// staticHandler serves files under root by memory-mapping them into
// the response body, so file contents are never copied.
func staticHandler(root string) func(*http.ResponseWriter, *http.Request) {
	return func(w *http.ResponseWriter, req *http.Request) {
		rel := strings.TrimPrefix(req.URI, "/static/")
		if rel == "" || strings.Contains(rel, "..") {
			w.SetStatus(http.StatusNotFound)
			return
		}
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := w.AdoptFile(path); err != nil {
			w.SetStatus(http.StatusNotFound)
			w.WriteString(http.StatusText(http.StatusNotFound) + "\n")
			return
		}
		w.Header().Set(http.HeaderContentType, contentType(path))
	}
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}
