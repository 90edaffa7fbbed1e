package streamer

import (
	"log/slog"

	"github.com/skypro1111/slim-audio-service/internal/conn"
)

// ControlHandler adapts the Streamer to the SlimProto listener's lifecycle hooks
type ControlHandler struct {
	s *Streamer
}

// ControlHandler returns the hooks for the control channel
func (s *Streamer) ControlHandler() *ControlHandler {
	return &ControlHandler{s: s}
}

func (h *ControlHandler) OnOpen(c conn.Connection) {
	h.s.logger.Debug("SlimProto open callback", slog.String("conn_id", c.ID().String()))
}

func (h *ControlHandler) OnStart(c conn.Connection) {
	h.s.logger.Debug("SlimProto start callback", slog.String("conn_id", c.ID().String()))
}

func (h *ControlHandler) OnData(c conn.Connection, data []byte) {
	h.s.OnControlData(c, data)
}

func (h *ControlHandler) OnStop(c conn.Connection) {
	h.s.logger.Debug("SlimProto stop callback", slog.String("conn_id", c.ID().String()))
}

func (h *ControlHandler) OnClose(c conn.Connection) {
	h.s.OnControlClose(c)
}

// StreamingHandler adapts the Streamer to the HTTP streaming listener's lifecycle hooks
type StreamingHandler struct {
	s *Streamer
}

// StreamingHandler returns the hooks for the streaming channel
func (s *Streamer) StreamingHandler() *StreamingHandler {
	return &StreamingHandler{s: s}
}

func (h *StreamingHandler) OnOpen(c conn.Connection) {
	h.s.logger.Debug("HTTP open callback", slog.String("conn_id", c.ID().String()))
}

func (h *StreamingHandler) OnStart(c conn.Connection) {
	h.s.logger.Debug("HTTP start callback", slog.String("conn_id", c.ID().String()))
}

func (h *StreamingHandler) OnData(c conn.Connection, data []byte) {
	h.s.OnStreamingData(c, data)
}

func (h *StreamingHandler) OnStop(c conn.Connection) {
	h.s.logger.Debug("HTTP stop callback", slog.String("conn_id", c.ID().String()))
}

func (h *StreamingHandler) OnClose(c conn.Connection) {
	h.s.OnStreamingClose(c)
}
