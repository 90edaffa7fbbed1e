package streamer

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/slim-audio-service/internal/audio"
	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/encoder"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
	"github.com/skypro1111/slim-audio-service/internal/slimproto"
)

// Session kinds used in logs, metrics and the management API
const (
	KindControl   = "control"
	KindStreaming = "streaming"
)

// Handshake prefixes that open a session on each channel
var (
	controlHandshake   = []byte(slimproto.OpHello)
	streamingHandshake = []byte("GET")
)

// Config contains configuration for the streamer
type Config struct {
	Channels      int    // channels of every streaming session
	BitsPerSample int    // PCM container depth announced to the encoder
	StreamingPort uint16 // port players are told to fetch the stream from
	PoolCapacity  int    // transfer buffers per streaming session
	BlockSize     int    // FLAC block size in frames
}

// DefaultConfig returns the stereo, 32-bit container setup
func DefaultConfig() Config {
	return Config{
		Channels:      2,
		BitsPerSample: 32,
		StreamingPort: 9000,
		PoolCapacity:  encoder.DefaultPoolCapacity,
		BlockSize:     encoder.DefaultBlockSize,
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             string               `json:"id"`
	Kind           string               `json:"kind"`
	ConnectionID   string               `json:"connection_id"`
	RemoteAddr     string               `json:"remote_addr"`
	Player         string               `json:"player,omitempty"`
	Device         string               `json:"device,omitempty"`
	StartTime      time.Time            `json:"start_time"`
	LastActivity   time.Time            `json:"last_activity,omitempty"`
	Duration       time.Duration        `json:"duration"`
	SamplingRate   uint32               `json:"sampling_rate"`
	LastChunkRate  uint32               `json:"last_chunk_rate,omitempty"`
	LastEvent      string               `json:"last_event,omitempty"`
	CommandsSent   uint64               `json:"commands_sent,omitempty"`
	BufferFullness uint32               `json:"buffer_fullness,omitempty"`
	BytesReceived  uint64               `json:"bytes_received,omitempty"`
	ChunksOffered  uint64               `json:"chunks_offered,omitempty"`
	ChunksAccepted uint64               `json:"chunks_accepted,omitempty"`
	Encoder        *encoder.StreamStats `json:"encoder,omitempty"`
}

// Stats represents streamer statistics
type Stats struct {
	SamplingRate      uint32 `json:"sampling_rate"`
	ControlSessions   int    `json:"control_sessions"`
	StreamingSessions int    `json:"streaming_sessions"`
	HandshakeErrors   uint64 `json:"handshake_errors"`
	ChunksReceived    uint64 `json:"chunks_received"`
	Deliveries        uint64 `json:"deliveries"`
	SkippedDeliveries uint64 `json:"skipped_deliveries"`
	RateChanges       uint64 `json:"rate_changes"`
	RateResets        uint64 `json:"rate_resets"`
	IgnoredRequests   uint64 `json:"ignored_requests"`
}

// Streamer owns the session directories and the shared sampling rate. One
// lock guards all of them; calls that may re-enter the Streamer through the
// transport close hooks are made after the lock is released.
type Streamer struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	commandSessions   *directory[*CommandSession]
	streamingSessions *directory[*StreamingSession]
	samplingRate      uint32
	stats             Stats

	mu sync.Mutex
}

// NewStreamer creates a streamer with no sessions and no sampling rate
func NewStreamer(logger *slog.Logger, config Config, m *metrics.Metrics) *Streamer {
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.BitsPerSample <= 0 {
		config.BitsPerSample = 32
	}

	return &Streamer{
		config:            config,
		logger:            logger.With(slog.String("component", "streamer")),
		metrics:           m,
		commandSessions:   newDirectory[*CommandSession](),
		streamingSessions: newDirectory[*StreamingSession](),
	}
}

// OnControlData routes control bytes to the connection's session, opening
// one on a HELO handshake. Any other first message closes the connection.
func (s *Streamer) OnControlData(c conn.Connection, data []byte) {
	stop := s.onControlData(c, data)
	if stop {
		c.Stop()
	}
}

func (s *Streamer) onControlData(c conn.Connection, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.commandSessions.get(c.ID())
	if !ok {
		if !bytes.HasPrefix(data, controlHandshake) {
			s.stats.HandshakeErrors++
			s.metrics.RecordHandshakeError()
			s.logger.Warn("Incorrect handshake message received",
				slog.String("conn_id", c.ID().String()),
				slog.String("remote_addr", c.RemoteAddr()),
				slog.Int("size", len(data)),
			)
			return true
		}

		var created bool
		session, created = s.commandSessions.add(c.ID(), func() *CommandSession {
			return newCommandSession(c, s.config, s.logger)
		})
		if created {
			s.metrics.RecordSessionCreated(KindControl)
			s.logger.Info("Created new control session",
				slog.String("conn_id", c.ID().String()),
				slog.String("session_id", session.ID.String()),
				slog.Int("control_sessions", s.commandSessions.len()),
			)
		}

		if err := session.OnRequest(data); err != nil {
			return true
		}

		// players joining after the rate is known start right away
		if created && s.samplingRate != 0 {
			session.StartPlayback(s.samplingRate)
		}
		return false
	}

	return session.OnRequest(data) != nil
}

// OnControlClose forgets the connection's control session
func (s *Streamer) OnControlClose(c conn.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.commandSessions.remove(c.ID())
	if !ok {
		return
	}

	s.metrics.RecordSessionRemoved(KindControl, time.Since(session.StartTime).Seconds())
	s.logger.Info("Control session removed",
		slog.String("conn_id", c.ID().String()),
		slog.String("session_id", session.ID.String()),
		slog.Duration("duration", time.Since(session.StartTime)),
		slog.Int("control_sessions", s.commandSessions.len()),
	)
}

// OnStreamingData routes request bytes to the connection's session, opening
// one on a GET request. Other bytes without a session are dropped.
func (s *Streamer) OnStreamingData(c conn.Connection, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.streamingSessions.get(c.ID())
	if !ok {
		if !bytes.HasPrefix(data, streamingHandshake) {
			s.stats.IgnoredRequests++
			s.logger.Debug("Ignoring data without streaming session",
				slog.String("conn_id", c.ID().String()),
				slog.Int("size", len(data)),
			)
			return
		}

		var created bool
		session, created = s.streamingSessions.add(c.ID(), func() *StreamingSession {
			return newStreamingSession(c, s.config.Channels, s.samplingRate, s.config.BitsPerSample, s.config, s.logger, s.metrics)
		})
		if created {
			s.metrics.RecordSessionCreated(KindStreaming)
			s.logger.Info("Created new streaming session",
				slog.String("conn_id", c.ID().String()),
				slog.String("session_id", session.ID.String()),
				slog.Uint64("sampling_rate", uint64(s.samplingRate)),
				slog.Int("streaming_sessions", s.streamingSessions.len()),
			)
		}
	}

	session.OnRequest(data)
}

// OnStreamingClose removes and closes the connection's streaming session
func (s *Streamer) OnStreamingClose(c conn.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.streamingSessions.remove(c.ID())
	if !ok {
		return
	}

	session.Close()

	s.metrics.RecordSessionRemoved(KindStreaming, time.Since(session.StartTime).Seconds())
	s.logger.Info("Streaming session removed",
		slog.String("conn_id", c.ID().String()),
		slog.String("session_id", session.ID.String()),
		slog.Int("streaming_sessions", s.streamingSessions.len()),
	)
}

// OnChunk distributes a PCM chunk tagged with rate (0 = unspecified) to every
// streaming session. The first nonzero rate is adopted and announced to the
// players; a conflicting rate resets the shared rate and stops every
// streaming connection so players reconnect at the new rate.
func (s *Streamer) OnChunk(chunk audio.Chunk, rate uint32) {
	stops := s.onChunk(chunk, rate)
	for _, c := range stops {
		c.Stop()
	}
}

func (s *Streamer) onChunk(chunk audio.Chunk, rate uint32) []conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.ChunksReceived++

	var stops []conn.Connection

	if rate != 0 && s.samplingRate == 0 {
		s.samplingRate = rate
		s.stats.RateChanges++
		s.metrics.RecordRateAdopted(rate)
		s.logger.Info("Sampling rate adopted",
			slog.Uint64("sampling_rate", uint64(rate)),
			slog.Int("control_sessions", s.commandSessions.len()),
		)

		s.commandSessions.each(func(_ conn.ID, session *CommandSession) {
			session.StartPlayback(rate)
		})
	} else if rate != 0 && rate != s.samplingRate {
		s.logger.Info("Sampling rate changed, stopping streaming sessions",
			slog.Uint64("previous_rate", uint64(s.samplingRate)),
			slog.Uint64("new_rate", uint64(rate)),
			slog.Int("streaming_sessions", s.streamingSessions.len()),
		)

		s.samplingRate = 0
		s.stats.RateResets++
		s.metrics.RecordRateReset()

		s.streamingSessions.each(func(_ conn.ID, session *StreamingSession) {
			stops = append(stops, session.Connection())
		})
	}

	delivered, skipped := 0, 0
	s.streamingSessions.each(func(_ conn.ID, session *StreamingSession) {
		if session.OnChunk(chunk, s.samplingRate) {
			delivered++
		} else {
			skipped++
		}
	})

	s.stats.Deliveries += uint64(delivered)
	s.stats.SkippedDeliveries += uint64(skipped)
	s.metrics.RecordChunk(chunk.Size(), delivered, skipped)

	if skipped > 0 {
		s.logger.Debug("Chunk was not delivered to every streaming session",
			slog.Int("skipped", skipped),
			slog.Int("delivered", delivered),
			slog.Uint64("sampling_rate", uint64(s.samplingRate)),
		)
	}

	return stops
}

// SamplingRate returns the shared sampling rate; 0 when unset
func (s *Streamer) SamplingRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplingRate
}

// Sessions returns snapshots of every control and streaming session
func (s *Streamer) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]SessionInfo, 0, s.commandSessions.len()+s.streamingSessions.len())
	s.commandSessions.each(func(_ conn.ID, session *CommandSession) {
		sessions = append(sessions, session.Info())
	})
	s.streamingSessions.each(func(_ conn.ID, session *StreamingSession) {
		sessions = append(sessions, session.Info())
	})
	return sessions
}

// Stats returns a snapshot of the streamer statistics
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.SamplingRate = s.samplingRate
	stats.ControlSessions = s.commandSessions.len()
	stats.StreamingSessions = s.streamingSessions.len()
	return stats
}

// Stop closes every streaming session's encoder and drops all sessions.
// Connections are left to the transport.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamingSessions.each(func(id conn.ID, session *StreamingSession) {
		session.Close()
		s.streamingSessions.remove(id)
	})
	s.commandSessions.each(func(id conn.ID, _ *CommandSession) {
		s.commandSessions.remove(id)
	})

	s.logger.Info("Streamer stopped",
		slog.Uint64("chunks_received", s.stats.ChunksReceived),
		slog.Uint64("deliveries", s.stats.Deliveries),
		slog.Uint64("skipped_deliveries", s.stats.SkippedDeliveries),
	)
}
