package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
)

var (
	// ErrWriteQueueFull completes a write that found the connection's queue full
	ErrWriteQueueFull = errors.New("write queue is full")

	// ErrConnectionClosed completes a write on a stopped connection
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrRewindUnsupported is returned by Rewind on a socket
	ErrRewindUnsupported = errors.New("rewind is not supported on a network connection")
)

// Handler receives the lifecycle of every connection accepted by a TCPServer.
// Hooks for one connection are called from its own goroutine in the order
// OnOpen, OnStart, OnData..., OnStop, OnClose. Hooks of different
// connections run concurrently.
type Handler interface {
	OnOpen(c conn.Connection)
	OnStart(c conn.Connection)
	OnData(c conn.Connection, data []byte)
	OnStop(c conn.Connection)
	OnClose(c conn.Connection)
}

// TCPConfig contains configuration of one listener
type TCPConfig struct {
	Name           string // channel label used in logs and metrics
	Address        string
	ReadBufferSize int
	MaxConnections int
	WriteQueueSize int
}

// TCPServer accepts connections and dispatches their bytes to a Handler
type TCPServer struct {
	config   TCPConfig
	handler  Handler
	ids      *conn.Generator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	listener net.Listener

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conns map[conn.ID]*tcpConn
	mu    sync.RWMutex

	accepted     atomic.Uint64
	rejected     atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	writeErrors  atomic.Uint64
	queueFull    atomic.Uint64
}

// NewTCPServer creates a listener; ids is shared between listeners so
// connection identities are unique process wide
func NewTCPServer(cfg TCPConfig, handler Handler, ids *conn.Generator, logger *slog.Logger, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteQueueSize <= 0 {
		cfg.WriteQueueSize = 64
	}

	return &TCPServer{
		config:  cfg,
		handler: handler,
		ids:     ids,
		logger:  logger.With(slog.String("listener", cfg.Name)),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[conn.ID]*tcpConn),
	}
}

// Start begins accepting connections
func (s *TCPServer) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.Int("max_connections", s.config.MaxConnections),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound address; nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every live connection, then waits until all
// close hooks have run
func (s *TCPServer) Stop() error {
	s.logger.Info("Stopping TCP server...")

	s.cancel()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
		}
	}

	s.mu.RLock()
	live := make([]*tcpConn, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.RUnlock()

	for _, c := range live {
		c.Stop()
	}

	s.wg.Wait()

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("connections_rejected", stats.ConnectionsRejected),
		slog.Uint64("bytes_read", stats.BytesRead),
		slog.Uint64("bytes_written", stats.BytesWritten),
	)

	return nil
}

// acceptLoop is the main connection accepting loop
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Error("Failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections {
			s.mu.Unlock()

			s.rejected.Add(1)
			s.metrics.RecordConnectionRejected(s.config.Name)
			s.logger.Warn("Connection limit reached, rejecting connection",
				slog.String("remote_addr", nc.RemoteAddr().String()),
				slog.Int("max_connections", s.config.MaxConnections),
			)
			nc.Close()
			continue
		}

		c := newTCPConn(s.ids.Next(), nc, s)
		s.conns[c.id] = c
		s.mu.Unlock()

		s.accepted.Add(1)
		s.metrics.RecordConnectionAccepted(s.config.Name)

		s.wg.Add(2)
		go c.writeLoop()
		go s.serve(c)

		// accepted while Stop was collecting live connections
		if s.ctx.Err() != nil {
			c.Stop()
		}
	}
}

// serve runs the read side of one connection and its lifecycle hooks
func (s *TCPServer) serve(c *tcpConn) {
	defer s.wg.Done()

	s.logger.Debug("Connection opened",
		slog.String("conn_id", c.id.String()),
		slog.String("remote_addr", c.RemoteAddr()),
	)

	s.handler.OnOpen(c)
	s.handler.OnStart(c)

	buffer := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := c.nc.Read(buffer)
		if n > 0 {
			s.bytesRead.Add(uint64(n))
			s.metrics.RecordBytesRead(s.config.Name, n)

			// handlers may keep the slice
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.handler.OnData(c, data)
		}
		if err != nil {
			if !c.isClosed() && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("Connection read ended",
					slog.String("conn_id", c.id.String()),
					slog.String("error", err.Error()),
				)
			}
			break
		}
	}

	s.handler.OnStop(c)
	c.Stop()
	<-c.writerDone

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	s.handler.OnClose(c)
	s.metrics.RecordConnectionClosed(s.config.Name)

	s.logger.Debug("Connection closed", slog.String("conn_id", c.id.String()))
}

// GetStatistics returns current listener statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	active := len(s.conns)
	s.mu.RUnlock()

	return ServerStatistics{
		Name:                s.config.Name,
		ConnectionsAccepted: s.accepted.Load(),
		ConnectionsRejected: s.rejected.Load(),
		ActiveConnections:   uint64(active),
		BytesRead:           s.bytesRead.Load(),
		BytesWritten:        s.bytesWritten.Load(),
		WriteErrors:         s.writeErrors.Load(),
		WriteQueueFull:      s.queueFull.Load(),
	}
}

// ServerStatistics represents listener performance metrics
type ServerStatistics struct {
	Name                string `json:"name"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ActiveConnections   uint64 `json:"active_connections"`
	BytesRead           uint64 `json:"bytes_read"`
	BytesWritten        uint64 `json:"bytes_written"`
	WriteErrors         uint64 `json:"write_errors"`
	WriteQueueFull      uint64 `json:"write_queue_full"`
}

// writeRequest is one queued asynchronous write
type writeRequest struct {
	data     []byte
	callback conn.WriteCallback
}

// tcpConn is a conn.Connection backed by a socket. Writes are queued and
// performed by a dedicated goroutine, so WriteAsync never blocks.
type tcpConn struct {
	id     conn.ID
	nc     net.Conn
	server *TCPServer

	queue      chan writeRequest
	done       chan struct{}
	writerDone chan struct{}

	closed bool
	mu     sync.Mutex
}

func newTCPConn(id conn.ID, nc net.Conn, s *TCPServer) *tcpConn {
	return &tcpConn{
		id:         id,
		nc:         nc,
		server:     s,
		queue:      make(chan writeRequest, s.config.WriteQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *tcpConn) ID() conn.ID {
	return c.id
}

func (c *tcpConn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// WriteAsync queues data for the writer goroutine. The callback runs on the
// writer goroutine, or immediately when the queue is full or the connection
// is closed.
func (c *tcpConn) WriteAsync(data []byte, callback conn.WriteCallback) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		callback(ErrConnectionClosed, 0)
		return
	}

	select {
	case c.queue <- writeRequest{data: data, callback: callback}:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.server.queueFull.Add(1)
		callback(ErrWriteQueueFull, 0)
	}
}

func (c *tcpConn) Rewind(int64) error {
	return ErrRewindUnsupported
}

// Stop closes the socket. The close hooks run on the connection's own
// goroutine, never inside Stop.
func (c *tcpConn) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.nc.Close()
}

func (c *tcpConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// writeLoop performs queued writes until the connection stops; writes still
// queued then are completed with ErrConnectionClosed
func (c *tcpConn) writeLoop() {
	defer c.server.wg.Done()
	defer close(c.writerDone)

	for {
		select {
		case req := <-c.queue:
			c.write(req)
		case <-c.done:
			for {
				select {
				case req := <-c.queue:
					req.callback(ErrConnectionClosed, 0)
				default:
					return
				}
			}
		}
	}
}

func (c *tcpConn) write(req writeRequest) {
	n, err := c.nc.Write(req.data)
	if n > 0 {
		c.server.bytesWritten.Add(uint64(n))
		c.server.metrics.RecordBytesWritten(c.server.config.Name, n)
	}

	if err != nil {
		c.server.writeErrors.Add(1)
		c.server.logger.Debug("Write failed",
			slog.String("conn_id", c.id.String()),
			slog.String("error", err.Error()),
		)
	}

	req.callback(err, n)
}
