package core

import "sync"

// ConnTable maps descriptors to their exclusively-owned Connections.
// Lookups take the lock shared; insertion and removal take it
// exclusively. Critical sections stay short — no I/O under the lock.
type ConnTable struct {
	mu    sync.RWMutex
	conns map[int]*Connection
}

// NewConnTable returns an empty table.
func NewConnTable() *ConnTable {
	return &ConnTable{conns: make(map[int]*Connection)}
}

// Insert stores conn under fd only if the slot is free and returns the
// stored connection.
func (t *ConnTable) Insert(fd int, conn *Connection) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[fd]; ok {
		return nil, false
	}
	t.conns[fd] = conn
	return conn, true
}

// Get returns the connection owning fd, or nil.
func (t *ConnTable) Get(fd int) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[fd]
}

// Close closes the connection owning fd and removes it.
func (t *ConnTable) Close(fd int) bool {
	t.mu.Lock()
	conn, ok := t.conns[fd]
	if ok {
		delete(t.conns, fd)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	conn.Close()
	return true
}

// Remove detaches fd without closing it.
func (t *ConnTable) Remove(fd int) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.conns[fd]
	delete(t.conns, fd)
	return conn
}

// Clear closes and drops every connection.
func (t *ConnTable) Clear() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[int]*Connection)
	t.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Len reports the number of live connections.
func (t *ConnTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
