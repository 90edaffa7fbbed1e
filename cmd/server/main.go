package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/slim-audio-service/internal/config"
	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
	"github.com/skypro1111/slim-audio-service/internal/server"
	"github.com/skypro1111/slim-audio-service/internal/source"
	"github.com/skypro1111/slim-audio-service/internal/streamer"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "slim-audio-service"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (empty for defaults)")
	envPath := flag.String("env", ".env", "Path to .env file with SLIM_* overrides")
	flag.Parse()

	// A missing .env is normal; the real environment still applies
	_ = config.LoadEnvFiles(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("slimproto_port", cfg.Server.SlimProtoPort),
		slog.Int("streaming_port", cfg.Server.StreamingPort),
		slog.Int("max_connections", cfg.Server.MaxConnections),
		slog.Int("channels", cfg.Audio.Channels),
		slog.Int("bit_depth", cfg.Audio.BitDepth),
		slog.Int("block_size", cfg.Audio.BlockSize),
		slog.Int("pool_capacity", cfg.Audio.PoolCapacity),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics()

	st := streamer.NewStreamer(logger, streamer.Config{
		Channels:      cfg.Audio.Channels,
		BitsPerSample: cfg.Audio.BitDepth,
		StreamingPort: uint16(cfg.Server.StreamingPort),
		PoolCapacity:  cfg.Audio.PoolCapacity,
		BlockSize:     cfg.Audio.BlockSize,
	}, appMetrics)

	// one generator keeps connection identities unique across both listeners
	ids := &conn.Generator{}

	control := server.NewTCPServer(listenerConfig(cfg, "slimproto", cfg.Server.SlimProtoPort), st.ControlHandler(), ids, logger, appMetrics)
	streaming := server.NewTCPServer(listenerConfig(cfg, "streaming", cfg.Server.StreamingPort), st.StreamingHandler(), ids, logger, appMetrics)

	var src *source.Source
	if cfg.Audio.SourcePath != "" {
		src = source.New(source.Config{
			Path:          cfg.Audio.SourcePath,
			Format:        cfg.Audio.SourceFormat,
			Channels:      cfg.Audio.Channels,
			SampleRate:    uint32(cfg.Audio.SampleRate),
			BitsPerSample: cfg.Audio.SourceBitDepth,
			ChunkFrames:   cfg.Audio.ChunkFrames,
			Realtime:      cfg.Audio.Realtime,
		}, st, logger)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, st, []*server.TCPServer{control, streaming}, src, appMetrics)
	}

	if err := control.Start(); err != nil {
		logger.Error("Failed to start SlimProto server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := streaming.Start(); err != nil {
		logger.Error("Failed to start streaming server", slog.String("error", err.Error()))
		control.Stop()
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			streaming.Stop()
			control.Stop()
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if src != nil {
		g.Go(func() error {
			err := src.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("pcm source: %w", err)
			}
			// players stay connected after the source ends
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("Service started successfully, waiting for signals...")

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("Service component failed", slog.String("error", runErr.Error()))
	} else {
		logger.Info("Received shutdown signal")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeoutDuration())
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Closing the listeners runs every close hook, which empties the streamer
	if err := control.Stop(); err != nil {
		logger.Error("Error stopping SlimProto server", slog.String("error", err.Error()))
	}
	if err := streaming.Stop(); err != nil {
		logger.Error("Error stopping streaming server", slog.String("error", err.Error()))
	}

	st.Stop()

	stats := st.Stats()
	logger.Info("Final streamer statistics",
		slog.Uint64("chunks_received", stats.ChunksReceived),
		slog.Uint64("deliveries", stats.Deliveries),
		slog.Uint64("skipped_deliveries", stats.SkippedDeliveries),
		slog.Uint64("handshake_errors", stats.HandshakeErrors),
		slog.Uint64("rate_changes", stats.RateChanges),
	)

	logger.Info("Service stopped")

	if runErr != nil {
		os.Exit(1)
	}
}

func listenerConfig(cfg *config.Config, name string, port int) server.TCPConfig {
	return server.TCPConfig{
		Name:           name,
		Address:        net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(port)),
		ReadBufferSize: cfg.Server.ReadBufferSize,
		MaxConnections: cfg.Server.MaxConnections,
		WriteQueueSize: cfg.Server.WriteQueueSize,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
