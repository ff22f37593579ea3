// Package router maps request targets to handlers: exact patterns
// first, then patterns ending in '/' by longest matching prefix, then
// an optional default handler.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/h-hg/tinywebserver/core/http"
)

// Handler processes one request. It must not block without bound.
type Handler func(w *http.ResponseWriter, req *http.Request)

type prefixEntry struct {
	pattern string
	handler Handler
}

// Table is the handler registry. Registration normally happens at
// startup; the lock makes runtime registration safe too, with lookups
// taking it shared.
type Table struct {
	mu       sync.RWMutex
	exact    map[string]Handler
	prefixes []prefixEntry // sorted by pattern length, longest first
	fallback Handler
}

// New returns an empty handler table.
func New() *Table {
	return &Table{exact: make(map[string]Handler)}
}

// Register binds pattern to handler. Empty patterns, nil handlers and
// duplicate patterns are refused. A pattern ending in '/' additionally
// matches any target it prefixes; among prefix patterns the longest
// wins, with earlier registration breaking length ties.
func (t *Table) Register(pattern string, handler Handler) bool {
	if pattern == "" || handler == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.exact[pattern]; ok {
		return false
	}
	t.exact[pattern] = handler
	if strings.HasSuffix(pattern, "/") {
		// First entry whose pattern is strictly shorter; inserting
		// there keeps equal lengths in registration order.
		i := sort.Search(len(t.prefixes), func(i int) bool {
			return len(t.prefixes[i].pattern) < len(pattern)
		})
		t.prefixes = append(t.prefixes, prefixEntry{})
		copy(t.prefixes[i+1:], t.prefixes[i:])
		t.prefixes[i] = prefixEntry{pattern: pattern, handler: handler}
	}
	return true
}

// Unregister removes pattern and, for prefix patterns, its entry in
// the prefix list.
func (t *Table) Unregister(pattern string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.exact[pattern]; !ok {
		return false
	}
	delete(t.exact, pattern)
	for i, e := range t.prefixes {
		if e.pattern == pattern {
			t.prefixes = append(t.prefixes[:i], t.prefixes[i+1:]...)
			break
		}
	}
	return true
}

// SetDefault installs the handler used when nothing matches.
func (t *Table) SetDefault(handler Handler) {
	t.mu.Lock()
	t.fallback = handler
	t.mu.Unlock()
}

// Match resolves target: exact match first, then the longest
// registered prefix, then the default handler, then nil.
func (t *Table) Match(target string) Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, ok := t.exact[target]; ok {
		return h
	}
	for _, e := range t.prefixes {
		if strings.HasPrefix(target, e.pattern) {
			return e.handler
		}
	}
	return t.fallback
}

// Len reports the number of registered patterns.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exact)
}
