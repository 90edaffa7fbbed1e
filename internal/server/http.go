package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skypro1111/slim-audio-service/internal/config"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
	"github.com/skypro1111/slim-audio-service/internal/source"
	"github.com/skypro1111/slim-audio-service/internal/streamer"
)

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server    *http.Server
	router    chi.Router
	logger    *slog.Logger
	config    *config.Config
	streamer  *streamer.Streamer
	listeners []*TCPServer
	source    *source.Source
	metrics   *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the management API. src may be nil when no PCM
// source is configured.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	st *streamer.Streamer, listeners []*TCPServer, src *source.Source, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    appConfig,
		streamer:  st,
		listeners: listeners,
		source:    src,
		metrics:   m,
		startTime: time.Now(),
	}

	h.router = h.routes()
	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestLogger(h.logger, h.metrics))

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/sessions", h.handleSessions)
	r.Get("/sessions/{id}", h.handleSessionDetail)
	r.Get("/stats", h.handleStats)
	r.Get("/config", h.handleConfig)

	if h.metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			h.metrics.Handler(func() { h.metrics.SetSamplingRate(h.streamer.SamplingRate()) }).ServeHTTP(w, r)
		})
	}

	return r
}

// Handler returns the router, used by tests
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.streamer.Stats()

	listeners := make(map[string]any, len(h.listeners))
	for _, l := range h.listeners {
		stats := l.GetStatistics()
		listeners[stats.Name] = map[string]any{
			"status":             "running",
			"active_connections": stats.ActiveConnections,
		}
	}

	components := map[string]any{
		"listeners": listeners,
		"streamer": map[string]any{
			"status":             "running",
			"sampling_rate":      st.SamplingRate,
			"control_sessions":   st.ControlSessions,
			"streaming_sessions": st.StreamingSessions,
		},
	}
	if h.source != nil {
		srcStats := h.source.Stats()
		status := "finished"
		if srcStats.Running {
			status = "running"
		}
		components["source"] = map[string]any{
			"status":         status,
			"chunks_emitted": srcStats.ChunksEmitted,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "slim-audio-service",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.streamer.Sessions()

	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := sessions[:0]
		for _, s := range sessions {
			if s.Kind == kind {
				filtered = append(filtered, s)
			}
		}
		sessions = filtered
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"sampling_rate":  h.streamer.SamplingRate(),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	for _, s := range h.streamer.Sessions() {
		if s.ID == id {
			h.writeJSON(w, http.StatusOK, s)
			return
		}
	}

	h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	listeners := make([]ServerStatistics, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l.GetStatistics())
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streamer":  h.streamer.Stats(),
		"listeners": listeners,
	}
	if h.source != nil {
		stats["source"] = h.source.Stats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// source_path may reveal host layout; only whether one is set is reported
	h.writeJSON(w, http.StatusOK, map[string]any{
		"server": map[string]any{
			"bind_address":     c.Server.BindAddress,
			"slimproto_port":   c.Server.SlimProtoPort,
			"streaming_port":   c.Server.StreamingPort,
			"read_buffer_size": c.Server.ReadBufferSize,
			"max_connections":  c.Server.MaxConnections,
			"write_queue_size": c.Server.WriteQueueSize,
		},
		"audio": map[string]any{
			"channels":         c.Audio.Channels,
			"bit_depth":        c.Audio.BitDepth,
			"sample_rate":      c.Audio.SampleRate,
			"chunk_frames":     c.Audio.ChunkFrames,
			"pool_capacity":    c.Audio.PoolCapacity,
			"block_size":       c.Audio.BlockSize,
			"source_format":    c.Audio.SourceFormat,
			"source_bit_depth": c.Audio.SourceBitDepth,
			"source_enabled":   c.Audio.SourcePath != "",
			"realtime":         c.Audio.Realtime,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "Slim Audio Streaming Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /sessions":      "List control and streaming sessions (?kind=control|streaming)",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get streamer, listener and source statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
