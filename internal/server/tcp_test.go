package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/slim-audio-service/internal/conn"
)

// recordingHandler records hook calls and echoes data back when echo is set
type recordingHandler struct {
	echo bool

	mu     sync.Mutex
	events []string
	data   bytes.Buffer
	conns  []conn.Connection

	opened chan conn.Connection
	closed chan conn.Connection
}

func newRecordingHandler(echo bool) *recordingHandler {
	return &recordingHandler{
		echo:   echo,
		opened: make(chan conn.Connection, 16),
		closed: make(chan conn.Connection, 16),
	}
}

func (h *recordingHandler) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHandler) OnOpen(c conn.Connection) {
	h.record("open")
	h.mu.Lock()
	h.conns = append(h.conns, c)
	h.mu.Unlock()
	h.opened <- c
}

func (h *recordingHandler) OnStart(c conn.Connection) { h.record("start") }

func (h *recordingHandler) OnData(c conn.Connection, data []byte) {
	h.mu.Lock()
	h.data.Write(data)
	h.mu.Unlock()

	if h.echo {
		c.WriteAsync(data, func(error, int) {})
	}
}

func (h *recordingHandler) OnStop(c conn.Connection) { h.record("stop") }

func (h *recordingHandler) OnClose(c conn.Connection) {
	h.record("close")
	h.closed <- c
}

func (h *recordingHandler) eventList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, cfg TCPConfig, h Handler, ids *conn.Generator) *TCPServer {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "test"
	}
	cfg.Address = "127.0.0.1:0"

	s := NewTCPServer(cfg, h, ids, testLogger(), nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	return s
}

func waitConn(t *testing.T, ch chan conn.Connection, what string) conn.Connection {
	t.Helper()

	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s", what)
		return nil
	}
}

func TestTCPServerLifecycle(t *testing.T) {
	h := newRecordingHandler(true)
	s := startTestServer(t, TCPConfig{MaxConnections: 4}, h, &conn.Generator{})
	defer s.Stop()

	client, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	waitConn(t, h.opened, "open")

	if _, err := client.Write([]byte("HELO")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	echo := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("Failed to read echo: %v", err)
	}
	if string(echo) != "HELO" {
		t.Errorf("Expected echo HELO, got %q", echo)
	}

	client.Close()
	waitConn(t, h.closed, "close")

	events := h.eventList()
	want := []string{"open", "start", "stop", "close"}
	if len(events) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], events[i])
		}
	}

	stats := s.GetStatistics()
	if stats.ConnectionsAccepted != 1 {
		t.Errorf("Expected 1 accepted connection, got %d", stats.ConnectionsAccepted)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("Expected 0 active connections, got %d", stats.ActiveConnections)
	}
	if stats.BytesRead != 4 || stats.BytesWritten != 4 {
		t.Errorf("Expected 4 bytes each way, got read %d written %d", stats.BytesRead, stats.BytesWritten)
	}
}

func TestTCPServerStopClosesConnections(t *testing.T) {
	h := newRecordingHandler(false)
	s := startTestServer(t, TCPConfig{MaxConnections: 4}, h, &conn.Generator{})

	client, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	waitConn(t, h.opened, "open")

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stop waits for the close hooks
	select {
	case <-h.closed:
	default:
		t.Error("Expected close hook to have run when Stop returned")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("Expected client read to fail after server stop")
	}
}

func TestTCPServerConnectionLimit(t *testing.T) {
	h := newRecordingHandler(false)
	s := startTestServer(t, TCPConfig{MaxConnections: 1}, h, &conn.Generator{})
	defer s.Stop()

	first, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer first.Close()
	waitConn(t, h.opened, "first open")

	second, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected rejected connection to see EOF, got %v", err)
	}

	if got := s.GetStatistics().ConnectionsRejected; got != 1 {
		t.Errorf("Expected 1 rejected connection, got %d", got)
	}
}

func TestTCPConnWriteAfterStop(t *testing.T) {
	h := newRecordingHandler(false)
	s := startTestServer(t, TCPConfig{}, h, &conn.Generator{})
	defer s.Stop()

	client, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	c := waitConn(t, h.opened, "open")

	if err := c.Rewind(0); !errors.Is(err, ErrRewindUnsupported) {
		t.Errorf("Expected ErrRewindUnsupported, got %v", err)
	}

	c.Stop()
	c.Stop()

	var gotErr error
	c.WriteAsync([]byte("late"), func(err error, n int) {
		gotErr = err
	})
	if !errors.Is(gotErr, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", gotErr)
	}

	waitConn(t, h.closed, "close")
}

func TestTCPServersShareIdentities(t *testing.T) {
	ids := &conn.Generator{}
	h1 := newRecordingHandler(false)
	h2 := newRecordingHandler(false)
	s1 := startTestServer(t, TCPConfig{Name: "slimproto"}, h1, ids)
	defer s1.Stop()
	s2 := startTestServer(t, TCPConfig{Name: "streaming"}, h2, ids)
	defer s2.Stop()

	c1, err := net.Dial("tcp", s1.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c1.Close()
	c2, err := net.Dial("tcp", s2.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer c2.Close()

	a := waitConn(t, h1.opened, "control open")
	b := waitConn(t, h2.opened, "streaming open")

	if a.ID() == b.ID() {
		t.Errorf("Expected distinct connection IDs across listeners, both are %s", a.ID())
	}
}
