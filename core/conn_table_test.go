package core

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketPairConn(t *testing.T) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return NewConnection(fds[0], &unix.SockaddrInet4{}), fds[1]
}

func TestConnTableOwnership(t *testing.T) {
	tbl := NewConnTable()
	conn, _ := socketPairConn(t)
	fd := conn.FD()

	if got, ok := tbl.Insert(fd, conn); !ok || got != conn {
		t.Fatal("Insert failed on a free slot")
	}
	if _, ok := tbl.Insert(fd, conn); ok {
		t.Fatal("Insert succeeded on an occupied slot")
	}
	if tbl.Get(fd) != conn {
		t.Fatal("Get returned the wrong connection")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tbl.Len())
	}

	if !tbl.Close(fd) {
		t.Fatal("Close failed")
	}
	if tbl.Close(fd) {
		t.Fatal("Close succeeded twice")
	}
	if tbl.Get(fd) != nil {
		t.Fatal("closed connection still resident")
	}
}

func TestConnTableClear(t *testing.T) {
	tbl := NewConnTable()
	for i := 0; i < 3; i++ {
		conn, _ := socketPairConn(t)
		tbl.Insert(conn.FD(), conn)
	}
	tbl.Clear()
	if tbl.Len() != 0 {
		t.Fatalf("Len = %d after Clear", tbl.Len())
	}
}

func TestConnectionCloseIdempotent(t *testing.T) {
	conn, _ := socketPairConn(t)
	if !conn.Close() {
		t.Fatal("first Close failed")
	}
	if conn.Close() {
		t.Fatal("second Close reported success")
	}
}
