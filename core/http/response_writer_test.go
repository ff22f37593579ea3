package http

import (
	"strings"
	"testing"

	"github.com/h-hg/tinywebserver/core/buffer"
)

func assemble(w *ResponseWriter) string {
	out := buffer.NewVector()
	w.Assemble(out)
	raw := make([]byte, out.ReadableSize())
	out.Read(raw)
	return string(raw)
}

func TestResponseDefaults(t *testing.T) {
	w := NewResponseWriter()
	w.WriteString("ok")
	raw := assemble(w)

	if !strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line missing: %q", raw)
	}
	if !strings.Contains(raw, "Content-Length: 2\r\n") {
		t.Fatalf("Content-Length missing: %q", raw)
	}
	head, body, found := strings.Cut(raw, "\r\n\r\n")
	if !found || body != "ok" {
		t.Fatalf("head %q body %q", head, body)
	}
}

func TestResponseExplicitFields(t *testing.T) {
	w := NewResponseWriter()
	if !w.SetStatus(404) {
		t.Fatal("SetStatus refused a valid code")
	}
	if w.SetStatus(99) || w.SetStatus(600) {
		t.Fatal("SetStatus accepted an out-of-range code")
	}
	w.Header().Set(HeaderContentType, "text/plain")
	w.WriteString("missing")
	raw := assemble(w)
	if !strings.HasPrefix(raw, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("status line: %q", raw)
	}
	if !strings.Contains(raw, "Content-Type: text/plain\r\n") {
		t.Fatalf("header missing: %q", raw)
	}
}

func TestResponseCustomReason(t *testing.T) {
	w := NewResponseWriter()
	w.SetStatus(200)
	w.SetReason("Fine")
	raw := assemble(w)
	if !strings.HasPrefix(raw, "HTTP/1.1 200 Fine\r\n") {
		t.Fatalf("status line: %q", raw)
	}
}

func TestResponseImmutableOnceFlushed(t *testing.T) {
	w := NewResponseWriter()
	w.WriteString("body")
	out := buffer.NewVector()
	w.Assemble(out)

	if w.SetStatus(500) {
		t.Fatal("SetStatus succeeded after flush")
	}
	w.WriteString("more")
	before := out.ReadableSize()
	w.Assemble(out) // no-op
	if out.ReadableSize() != before {
		t.Fatal("second Assemble changed the outbound buffer")
	}

	w.Clear()
	if w.Flushed() {
		t.Fatal("Clear did not reset the flushed flag")
	}
	if !w.SetStatus(500) {
		t.Fatal("SetStatus refused after Clear")
	}
}

func TestResponseAdoptedBody(t *testing.T) {
	released := 0
	w := NewResponseWriter()
	w.WriteString("head+")
	w.Adopt([]byte("mapped-region"), func([]byte) { released++ }, true)

	out := buffer.NewVector()
	w.Assemble(out)
	raw := make([]byte, out.ReadableSize())
	out.Read(raw)
	if !strings.HasSuffix(string(raw), "head+mapped-region") {
		t.Fatalf("body not spliced: %q", raw)
	}
	if !strings.Contains(string(raw), "Content-Length: 18\r\n") {
		t.Fatalf("Content-Length wrong: %q", raw)
	}
	out.Clear()
	if released != 1 {
		t.Fatalf("adopted region released %d times, want 1", released)
	}
}

func TestStatusText(t *testing.T) {
	cases := map[int]string{
		200: "OK",
		404: "Not Found",
		500: "Internal Server Error",
		418: "I'm a Teapot",
		999: "",
	}
	for code, want := range cases {
		if got := StatusText(code); got != want {
			t.Fatalf("StatusText(%d) = %q, want %q", code, got, want)
		}
	}
	if ValidStatus(99) || ValidStatus(600) || !ValidStatus(100) || !ValidStatus(599) {
		t.Fatal("ValidStatus range wrong")
	}
}
