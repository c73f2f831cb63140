package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is a single live WebSocket session. The session id is assigned
// at upgrade time and never changes; identity binding happens one layer up
// in the presence registry. A write mutex serializes outbound frames.
type Connection struct {
	ID           string        // session ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for epoll lookups
	CreatedAt    time.Time     // when the connection was established
	WriteTimeout time.Duration // per-frame write deadline; 0 disables
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   int32         // atomic flag: 0 = idle, 1 = being read by a worker
	lastPing     atomic.Int64  // unix nanos of the last frame received
}

// SessionID returns the connection's session id. Together with Send it
// satisfies the presence registry's Peer interface.
func (c *Connection) SessionID() string {
	return c.ID
}

// touchActivity records the current time as the last successful read. Read
// workers call this; the heartbeat goroutine reads it via lastActivity.
func (c *Connection) touchActivity() {
	c.lastPing.Store(time.Now().UnixNano())
}

func (c *Connection) lastActivity() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// Send writes a WebSocket text frame to the client. The write mutex keeps
// concurrent fanout goroutines from interleaving frame bytes, and the write
// deadline bounds how long a backed-up client can hold that mutex: a write
// that cannot complete within WriteTimeout fails instead of stalling the
// callers fanning out behind it.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9) under the same
// write deadline as Send. Browsers answer with a pong automatically.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// connTable is the transport-level connection index, keyed by session id and
// by file descriptor for O(1) epoll lookups. Identity routing lives in the
// presence registry, not here.
type connTable struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func newConnTable() *connTable {
	return &connTable{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

func (t *connTable) add(c *Connection) {
	t.mu.Lock()
	t.byID[c.ID] = c
	t.byFd[c.Fd] = c
	t.mu.Unlock()
}

// remove drops the connection from both indexes and closes it. It reports
// whether the connection was still present, so racing cleanup paths (read
// error vs heartbeat timeout) settle on a single winner.
func (t *connTable) remove(id string) bool {
	t.mu.Lock()
	c, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
		delete(t.byFd, c.Fd)
	}
	t.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

func (t *connTable) getByConn(conn net.Conn) *Connection {
	fd := socketFD(conn)
	t.mu.RLock()
	c := t.byFd[fd]
	t.mu.RUnlock()
	return c
}

func (t *connTable) count() int {
	t.mu.RLock()
	n := len(t.byID)
	t.mu.RUnlock()
	return n
}

// all returns a snapshot safe to iterate without holding the lock.
func (t *connTable) all() []*Connection {
	t.mu.RLock()
	conns := make([]*Connection, 0, len(t.byID))
	for _, c := range t.byID {
		conns = append(conns, c)
	}
	t.mu.RUnlock()
	return conns
}
