package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one live WebSocket client. Outbound frames are serialized by
// the write mutex so the delivery router, the presence broadcaster, and the
// heartbeat can all write concurrently without interleaving frame bytes.
type Connection struct {
	ID         string   // connection id (UUID), assigned on upgrade
	Conn       net.Conn // underlying TCP connection
	CreatedAt  time.Time
	LastActive time.Time // last successful read, used by the heartbeat

	writeMu    sync.Mutex
	processing int32 // atomic flag guarding against duplicate event-loop dispatch
}

// WriteMessage sends a text frame on this connection. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9). Browsers answer
// these automatically with a pong.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager tracks every live connection with O(1) lookup both by
// connection id and by the underlying net.Conn (the event loop only has the
// latter). The two maps are always mutated together under one lock.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a connection in both lookup maps.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.ID] = c
	cm.byConn[c.Conn] = c
	cm.mu.Unlock()
}

// Remove deletes the connection by id and closes its socket. It reports
// whether the connection was still registered, so racing cleanup paths (read
// error vs heartbeat timeout) settle on exactly one winner.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, c.Conn)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	c := cm.byID[id]
	cm.mu.RUnlock()
	return c
}

// GetByConn returns the Connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	cm.mu.RLock()
	c := cm.byConn[conn]
	cm.mu.RUnlock()
	return c
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast writes the frame to every live connection. Individual write
// failures are ignored; broken connections get cleaned up when their next
// read fails or the heartbeat times them out.
func (cm *ConnectionManager) Broadcast(data []byte) {
	for _, c := range cm.All() {
		_ = c.WriteMessage(data)
	}
}

// All returns a snapshot slice safe to iterate without the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
