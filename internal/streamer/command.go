package streamer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/slimproto"
)

// CommandSession is the control plane state of one player
type CommandSession struct {
	ID        uuid.UUID
	StartTime time.Time

	conn          conn.Connection
	logger        *slog.Logger
	streamingPort uint16
	channels      int
	bitsPerSample int

	decoder      slimproto.Decoder
	hello        *slimproto.Hello
	lastEvent    string
	lastStatus   *slimproto.Status
	lastActivity time.Time
	playbackRate uint32
	commandsSent uint64

	mu sync.Mutex
}

func newCommandSession(c conn.Connection, cfg Config, logger *slog.Logger) *CommandSession {
	id := uuid.New()
	now := time.Now()

	return &CommandSession{
		ID:        id,
		StartTime: now,
		conn:      c,
		logger: logger.With(
			slog.String("component", "slimproto"),
			slog.String("session_id", id.String()),
			slog.String("conn_id", c.ID().String()),
		),
		streamingPort: cfg.StreamingPort,
		channels:      cfg.Channels,
		bitsPerSample: cfg.BitsPerSample,
		lastActivity:  now,
	}
}

// Connection returns the control connection of the session
func (s *CommandSession) Connection() conn.Connection {
	return s.conn
}

// OnRequest consumes control bytes from the player. An error means the
// byte stream cannot be decoded any further and the connection should go.
func (s *CommandSession) OnRequest(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()

	msgs, err := s.decoder.Feed(data)
	for _, msg := range msgs {
		s.handleMessage(msg)
	}

	if err != nil {
		s.logger.Warn("Failed to decode SlimProto message", slog.String("error", err.Error()))
		return fmt.Errorf("failed to decode control stream: %w", err)
	}

	return nil
}

func (s *CommandSession) handleMessage(msg *slimproto.Message) {
	switch msg.Opcode {
	case slimproto.OpHello:
		hello, err := slimproto.ParseHello(msg.Payload)
		if err != nil {
			s.logger.Warn("Invalid HELO payload", slog.String("error", err.Error()))
			return
		}
		s.hello = hello

		s.logger.Info("Player connected",
			slog.String("device", hello.DeviceName()),
			slog.String("mac", hello.MAC.String()),
			slog.Int("revision", int(hello.Revision)),
			slog.String("remote_addr", s.conn.RemoteAddr()),
		)

		s.send(slimproto.StrmCommand{Command: slimproto.StrmStatus})

	case slimproto.OpStatus:
		status, err := slimproto.ParseStatus(msg.Payload)
		if err != nil {
			s.logger.Warn("Invalid STAT payload", slog.String("error", err.Error()))
			return
		}
		s.lastEvent = status.Event
		s.lastStatus = status

		s.logger.Debug("Player status",
			slog.String("event", status.Event),
			slog.Uint64("bytes_received", status.BytesReceived),
			slog.Uint64("elapsed_ms", uint64(status.ElapsedMilliseconds)),
		)

	case slimproto.OpBye:
		s.logger.Info("Player said goodbye")

	default:
		s.logger.Debug("Ignoring SlimProto message", slog.String("opcode", msg.Opcode))
	}
}

// StartPlayback instructs the player to fetch the stream at rate
func (s *CommandSession) StartPlayback(rate uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := slimproto.StrmCommand{
		Command:    slimproto.StrmStart,
		Autostart:  slimproto.AutostartOn,
		Format:     slimproto.FormatFLAC,
		SampleRate: rate,
		Channels:   s.channels,
		BitDepth:   s.bitsPerSample,
		Threshold:  slimproto.DefaultBufferThreshold,
		ServerPort: s.streamingPort,
	}
	if s.hello != nil {
		cmd.PlayerMAC = s.hello.MAC
	}

	// the FLAC header describes the rate when it has no strm code
	if _, err := slimproto.EncodeStrm(cmd); err != nil {
		cmd.SampleRate = 0
	}

	s.playbackRate = rate
	s.logger.Info("Starting playback", slog.Uint64("sampling_rate", uint64(rate)))
	s.send(cmd)
}

// send writes a strm command without waiting for the transfer
func (s *CommandSession) send(cmd slimproto.StrmCommand) {
	data, err := slimproto.EncodeStrm(cmd)
	if err != nil {
		s.logger.Error("Failed to encode strm command",
			slog.String("command", string(cmd.Command)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.commandsSent++
	logger := s.logger
	s.conn.WriteAsync(data, func(err error, transferred int) {
		if err != nil {
			logger.Warn("Failed to send strm command",
				slog.String("command", string(cmd.Command)),
				slog.Int("transferred", transferred),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Info returns a snapshot of the session for monitoring
func (s *CommandSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		ID:           s.ID.String(),
		Kind:         KindControl,
		ConnectionID: s.conn.ID().String(),
		RemoteAddr:   s.conn.RemoteAddr(),
		StartTime:    s.StartTime,
		LastActivity: s.lastActivity,
		Duration:     time.Since(s.StartTime),
		SamplingRate: s.playbackRate,
		LastEvent:    s.lastEvent,
		CommandsSent: s.commandsSent,
	}

	if s.lastStatus != nil {
		info.BufferFullness = s.lastStatus.StreamBufferFullness
		info.BytesReceived = s.lastStatus.BytesReceived
	}

	if s.hello != nil {
		info.Player = s.hello.MAC.String()
		info.Device = s.hello.DeviceName()
	}

	return info
}
