// Package ws implements the WebSocket transport: upgrading HTTP requests,
// tracking live connections, multiplexing reads through epoll, and handing
// complete frames to the routing layer. It knows nothing about identities or
// message semantics; those live in the presence registry and the router.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/neurochat/backend/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Handlers are the application callbacks invoked by the transport. OnAccept
// runs before the upgrade and may reject the client (connect rate limiting),
// OnConnect runs after the upgrade completes, OnMessage for each complete
// text frame (from a worker goroutine), and OnDisconnect exactly once per
// removed connection, whatever triggered the removal.
type Handlers struct {
	OnAccept     func(remoteAddr string) bool
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(connID string)
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them for I/O readiness notifications,
// and dispatches ready connections to a bounded worker pool for frame
// reading.
type Server struct {
	config     ServerConfig
	epoll      *epoller
	conns      *connTable
	handlers   Handlers
	workerPool chan struct{} // semaphore limiting concurrent read workers
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and callbacks.
func NewServer(config ServerConfig, handlers Handlers) *Server {
	return &Server{
		config:     config,
		conns:      newConnTable(),
		handlers:   handlers,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
}

// Handle registers an extra HTTP handler (history API, metrics) on the
// server's mux. Must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Start initializes epoll, configures the HTTP server, and begins accepting
// WebSocket connections. It starts the epoll event loop and the heartbeat
// monitor in the background and blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = newEpoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas zero-copy upgrader, registers it, and notifies the application.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.handlers.OnAccept != nil && !s.handlers.OnAccept(r.RemoteAddr) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		WriteTimeout: s.config.WriteTimeout,
	}
	c.touchActivity()

	s.conns.add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.conns.remove(c.ID)
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.count()))

	if s.handlers.OnConnect != nil {
		s.handlers.OnConnect(c)
	}

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", c.ID, c.Fd, s.conns.count())
}

// handleHealth reports server health as JSON: connection count and uptime.
// Load balancers poll this endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, dispatching each ready connection
// to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection.
// wsutil.NextReader handles control frames without blocking on a data frame
// that may never arrive. Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.getByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can dispatch the same connection twice; only one
	// worker may read it at a time.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale epoll dispatch with no data pending; the
		// heartbeat owns dead-connection detection.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touchActivity()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the connection table
// and closes it. Exported so the heartbeat monitor can evict dead
// connections. The disconnect callback fires exactly once even when cleanup
// paths race.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.remove(c.ID) {
		return
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.count()))

	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(c.ID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.count())
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	return s.conns.count()
}

// connections exposes the table snapshot to the heartbeat monitor.
func (s *Server) connections() []*Connection {
	return s.conns.all()
}

// Shutdown gracefully stops the server: the HTTP listener, the event loop,
// every live connection, and the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.all() {
		_ = s.epoll.Remove(c.Conn)
		s.conns.remove(c.ID)
		if s.handlers.OnDisconnect != nil {
			s.handlers.OnDisconnect(c.ID)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	metrics.ConnectionsTotal.Set(0)

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR reports whether err is an interrupted syscall, which is expected
// during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
