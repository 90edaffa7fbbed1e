package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/skypro1111/slim-audio-service/internal/audio"
)

// Supported input formats
const (
	FormatRaw = "raw"
	FormatWAV = "wav"

	// StdinPath selects standard input as the source
	StdinPath = "-"
)

// ChunkHandler consumes the chunks a Source produces
type ChunkHandler interface {
	OnChunk(chunk audio.Chunk, rate uint32)
}

// Config contains PCM source configuration
type Config struct {
	Path          string
	Format        string
	Channels      int
	SampleRate    uint32 // raw input only; 0 leaves chunks untagged
	BitsPerSample int    // raw input only
	ChunkFrames   int
	Realtime      bool
}

// Stats represents source statistics
type Stats struct {
	ChunksEmitted uint64 `json:"chunks_emitted"`
	FramesEmitted uint64 `json:"frames_emitted"`
	BytesRead     uint64 `json:"bytes_read"`
	SampleRate    uint32 `json:"sample_rate"`
	Running       bool   `json:"running"`
}

// Source produces PCM chunks from a file or stdin
type Source struct {
	config  Config
	handler ChunkHandler
	logger  *slog.Logger

	chunks  atomic.Uint64
	frames  atomic.Uint64
	bytes   atomic.Uint64
	rate    atomic.Uint32
	running atomic.Bool
}

// New creates a source delivering to handler
func New(cfg Config, handler ChunkHandler, logger *slog.Logger) *Source {
	if cfg.ChunkFrames <= 0 {
		cfg.ChunkFrames = 4096
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.BitsPerSample <= 0 {
		cfg.BitsPerSample = 32
	}

	return &Source{
		config:  cfg,
		handler: handler,
		logger:  logger.With(slog.String("component", "source")),
	}
}

// Run opens the configured input and streams it until EOF or ctx is done
func (s *Source) Run(ctx context.Context) error {
	var r io.Reader
	if s.config.Path == StdinPath {
		r = os.Stdin
	} else {
		f, err := os.Open(s.config.Path)
		if err != nil {
			return fmt.Errorf("failed to open PCM source %s: %w", s.config.Path, err)
		}
		defer f.Close()
		r = f
	}

	return s.Stream(ctx, r)
}

// Stream reads PCM from r and emits chunks until EOF or ctx is done
func (s *Source) Stream(ctx context.Context, r io.Reader) error {
	channels := s.config.Channels
	rate := s.config.SampleRate
	bits := s.config.BitsPerSample

	switch s.config.Format {
	case FormatWAV:
		info, err := audio.ReadWAVHeader(r)
		if err != nil {
			return fmt.Errorf("failed to read WAV header: %w", err)
		}
		if int(info.Channels) != channels {
			return fmt.Errorf("source has %d channels, expected %d", info.Channels, channels)
		}
		rate = info.SampleRate
		bits = int(info.BitsPerSample)

		// 0xFFFFFFFF marks a stream whose length was unknown when written
		if info.DataSize > 0 && info.DataSize != 0xFFFFFFFF {
			r = io.LimitReader(r, int64(info.DataSize))
		}

		s.logger.Info("WAV source opened",
			slog.String("path", s.config.Path),
			slog.Uint64("sample_rate", uint64(rate)),
			slog.Int("bits_per_sample", bits),
			slog.Float64("duration_seconds", info.Duration),
		)
	case FormatRaw, "":
		s.logger.Info("Raw PCM source opened",
			slog.String("path", s.config.Path),
			slog.Uint64("sample_rate", uint64(rate)),
			slog.Int("bits_per_sample", bits),
		)
	default:
		return fmt.Errorf("unsupported source format: %s", s.config.Format)
	}

	if bits != 16 && bits != 24 && bits != 32 {
		return fmt.Errorf("unsupported source bit depth: %d", bits)
	}

	s.rate.Store(rate)
	s.running.Store(true)
	defer s.running.Store(false)

	inputFrame := channels * bits / 8
	input := make([]byte, s.config.ChunkFrames*inputFrame)

	start := time.Now()
	var sent uint64

	for {
		n, err := io.ReadFull(r, input)
		s.bytes.Add(uint64(n))

		if frames := n / inputFrame; frames > 0 {
			// every chunk gets its own buffer; consumers share it read-only
			data := audio.ToContainers(make([]byte, 0, frames*channels*audio.ContainerBytes), input[:frames*inputFrame], bits)
			s.handler.OnChunk(audio.NewChunk(data, channels, rate), rate)

			s.chunks.Add(1)
			s.frames.Add(uint64(frames))
			sent += uint64(frames)

			if s.config.Realtime && rate > 0 {
				due := start.Add(time.Duration(float64(sent) / float64(rate) * float64(time.Second)))
				if err := sleepUntil(ctx, due); err != nil {
					return err
				}
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Info("PCM source finished",
				slog.Uint64("chunks", s.chunks.Load()),
				slog.Uint64("frames", s.frames.Load()),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read PCM: %w", err)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Stats returns a snapshot of the source statistics
func (s *Source) Stats() Stats {
	return Stats{
		ChunksEmitted: s.chunks.Load(),
		FramesEmitted: s.frames.Load(),
		BytesRead:     s.bytes.Load(),
		SampleRate:    s.rate.Load(),
		Running:       s.running.Load(),
	}
}

func sleepUntil(ctx context.Context, due time.Time) error {
	d := time.Until(due)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
