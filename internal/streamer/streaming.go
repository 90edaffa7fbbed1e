package streamer

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/slim-audio-service/internal/audio"
	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/encoder"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
)

// StreamingSession delivers the encoded stream to one HTTP client
type StreamingSession struct {
	ID        uuid.UUID
	StartTime time.Time

	conn          conn.Connection
	logger        *slog.Logger
	metrics       *metrics.Metrics
	channels      int
	samplingRate  uint32
	bitsPerSample int
	stream        *encoder.FLACStream

	responded      bool
	player         string
	path           string
	lastRate       uint32
	chunksOffered  uint64
	chunksAccepted uint64
	closed         bool

	mu sync.Mutex
}

func newStreamingSession(c conn.Connection, channels int, samplingRate uint32, bitsPerSample int, cfg Config, logger *slog.Logger, m *metrics.Metrics) *StreamingSession {
	id := uuid.New()
	logger = logger.With(
		slog.String("session_id", id.String()),
		slog.String("conn_id", c.ID().String()),
	)

	s := &StreamingSession{
		ID:            id,
		StartTime:     time.Now(),
		conn:          c,
		logger:        logger.With(slog.String("component", "streaming")),
		metrics:       m,
		channels:      channels,
		samplingRate:  samplingRate,
		bitsPerSample: bitsPerSample,
	}

	// the encoder writes through the same connection as the HTTP response
	s.stream = encoder.NewFLACStream(c, channels, samplingRate, bitsPerSample, encoder.Options{
		PoolCapacity: cfg.PoolCapacity,
		BlockSize:    cfg.BlockSize,
		Logger:       logger,
		Metrics:      m,
	})

	return s
}

// Connection returns the streaming connection of the session
func (s *StreamingSession) Connection() conn.Connection {
	return s.conn
}

// SamplingRate returns the rate the session encodes at; 0 means the session
// was created before any rate was known and will not accept chunks
func (s *StreamingSession) SamplingRate() uint32 {
	return s.samplingRate
}

// OnRequest handles request bytes from the client. The first request starts
// the HTTP response; further bytes are ignored.
func (s *StreamingSession) OnRequest(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.responded {
		s.logger.Debug("Ignoring additional request data", slog.Int("size", len(data)))
		return
	}

	s.path, s.player = parseRequestLine(data)
	s.responded = true

	s.logger.Info("Streaming request received",
		slog.String("path", s.path),
		slog.String("player", s.player),
		slog.Uint64("sampling_rate", uint64(s.samplingRate)),
		slog.String("remote_addr", s.conn.RemoteAddr()),
	)

	header := fmt.Sprintf("HTTP/1.1 200 OK\r\nServer: slim-audio-service\r\nContent-Type: %s\r\nCache-Control: no-cache\r\nConnection: close\r\n\r\n",
		s.stream.ContentType())

	logger := s.logger
	s.conn.WriteAsync([]byte(header), func(err error, _ int) {
		if err != nil {
			logger.Warn("Failed to send HTTP response header", slog.String("error", err.Error()))
		}
	})
}

// OnChunk offers a chunk tagged with the shared rate. It reports whether the
// chunk was accepted by the encoder.
func (s *StreamingSession) OnChunk(chunk audio.Chunk, rate uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunksOffered++
	s.lastRate = rate

	if s.closed || !s.responded {
		return false
	}

	if rate != s.samplingRate {
		s.logger.Debug("Skipping chunk with different sampling rate",
			slog.Uint64("chunk_rate", uint64(rate)),
			slog.Uint64("session_rate", uint64(s.samplingRate)),
		)
		return false
	}

	if chunk.Channels != 0 && chunk.Channels != s.channels {
		s.logger.Debug("Skipping chunk with different channel count",
			slog.Int("chunk_channels", chunk.Channels),
			slog.Int("session_channels", s.channels),
		)
		return false
	}

	if _, err := s.stream.Encode(chunk.Data); err != nil {
		return false
	}

	s.chunksAccepted++
	return true
}

// Close finalises the encoder. It is idempotent.
func (s *StreamingSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.stream.Close()

	stats := s.stream.Stats()
	s.logger.Info("Streaming session closed",
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Uint64("chunks_offered", s.chunksOffered),
		slog.Uint64("chunks_accepted", s.chunksAccepted),
		slog.Uint64("frames_encoded", stats.FramesEncoded),
		slog.Uint64("bytes_encoded", stats.BytesEncoded),
	)
}

// Info returns a snapshot of the session for monitoring
func (s *StreamingSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stream.Stats()
	return SessionInfo{
		ID:             s.ID.String(),
		Kind:           KindStreaming,
		ConnectionID:   s.conn.ID().String(),
		RemoteAddr:     s.conn.RemoteAddr(),
		Player:         s.player,
		StartTime:      s.StartTime,
		Duration:       time.Since(s.StartTime),
		SamplingRate:   s.samplingRate,
		LastChunkRate:  s.lastRate,
		ChunksOffered:  s.chunksOffered,
		ChunksAccepted: s.chunksAccepted,
		Encoder:        &stats,
	}
}

// parseRequestLine extracts the path and player id from "GET <uri> HTTP/x"
func parseRequestLine(data []byte) (string, string) {
	line := data
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		line = data[:i]
	}

	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return "", ""
	}

	u, err := url.ParseRequestURI(fields[1])
	if err != nil {
		return fields[1], ""
	}

	return u.Path, u.Query().Get("player")
}
