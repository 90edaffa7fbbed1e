package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/skypro1111/slim-audio-service/internal/audio"
)

type recordingHandler struct {
	mu     sync.Mutex
	chunks []audio.Chunk
	rates  []uint32
}

func (h *recordingHandler) OnChunk(chunk audio.Chunk, rate uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, chunk)
	h.rates = append(h.rates, rate)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStreamRawChunking(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{
		Format:        FormatRaw,
		Channels:      2,
		SampleRate:    48000,
		BitsPerSample: 32,
		ChunkFrames:   4,
	}, h, testLogger())

	// 10 stereo frames plus a dangling half frame
	input := make([]byte, 10*8+4)
	for i := range input {
		input[i] = byte(i)
	}

	if err := s.Stream(context.Background(), bytes.NewReader(input)); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if len(h.chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(h.chunks))
	}

	wantFrames := []int{4, 4, 2}
	for i, c := range h.chunks {
		if c.Frames() != wantFrames[i] {
			t.Errorf("Chunk %d: expected %d frames, got %d", i, wantFrames[i], c.Frames())
		}
		if h.rates[i] != 48000 || c.SampleRate != 48000 {
			t.Errorf("Chunk %d: expected rate 48000, got %d/%d", i, h.rates[i], c.SampleRate)
		}
	}

	if !bytes.Equal(h.chunks[0].Data, input[:32]) {
		t.Error("Expected first chunk to carry the input bytes unchanged")
	}

	stats := s.Stats()
	if stats.ChunksEmitted != 3 {
		t.Errorf("Expected 3 chunks emitted, got %d", stats.ChunksEmitted)
	}
	if stats.FramesEmitted != 10 {
		t.Errorf("Expected 10 frames emitted, got %d", stats.FramesEmitted)
	}
	if stats.BytesRead != uint64(len(input)) {
		t.Errorf("Expected %d bytes read, got %d", len(input), stats.BytesRead)
	}
	if stats.Running {
		t.Error("Expected source not running after EOF")
	}
}

func TestStreamChunksDoNotShareBuffers(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Format: FormatRaw, Channels: 1, SampleRate: 8000, BitsPerSample: 32, ChunkFrames: 2}, h, testLogger())

	input := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	if err := s.Stream(context.Background(), bytes.NewReader(input)); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if len(h.chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(h.chunks))
	}
	if h.chunks[0].Data[0] != 1 || h.chunks[1].Data[0] != 3 {
		t.Errorf("Expected independent chunk buffers, got %v and %v", h.chunks[0].Data, h.chunks[1].Data)
	}
}

func TestStreamRawWithoutRate(t *testing.T) {
	h := &recordingHandler{}
	s := New(Config{Format: FormatRaw, Channels: 2, BitsPerSample: 32, ChunkFrames: 2, Realtime: true}, h, testLogger())

	if err := s.Stream(context.Background(), bytes.NewReader(make([]byte, 32))); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	for i, r := range h.rates {
		if r != 0 {
			t.Errorf("Chunk %d: expected untagged rate 0, got %d", i, r)
		}
	}
}

func TestStreamWAVWidensSamples(t *testing.T) {
	pcm := []byte{0x34, 0x12, 0x78, 0x56, 0xBC, 0x9A, 0xF0, 0xDE}
	wav, err := audio.EncodeWAV(pcm, 2, 22050, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	h := &recordingHandler{}
	s := New(Config{Format: FormatWAV, Channels: 2, SampleRate: 44100, ChunkFrames: 16}, h, testLogger())

	if err := s.Stream(context.Background(), bytes.NewReader(wav)); err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if len(h.chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(h.chunks))
	}
	if h.rates[0] != 22050 {
		t.Errorf("Expected WAV rate 22050 to override config, got %d", h.rates[0])
	}

	want := []byte{0, 0, 0x34, 0x12, 0, 0, 0x78, 0x56, 0, 0, 0xBC, 0x9A, 0, 0, 0xF0, 0xDE}
	if !bytes.Equal(h.chunks[0].Data, want) {
		t.Errorf("Expected %v, got %v", want, h.chunks[0].Data)
	}
	if s.Stats().SampleRate != 22050 {
		t.Errorf("Expected stats rate 22050, got %d", s.Stats().SampleRate)
	}
}

func TestStreamWAVChannelMismatch(t *testing.T) {
	wav, err := audio.EncodeWAV(make([]byte, 8), 1, 44100, 16)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	s := New(Config{Format: FormatWAV, Channels: 2, ChunkFrames: 16}, &recordingHandler{}, testLogger())
	if err := s.Stream(context.Background(), bytes.NewReader(wav)); err == nil {
		t.Error("Expected error for mono WAV on a stereo source")
	}
}

func TestStreamRejectsUnknownFormat(t *testing.T) {
	s := New(Config{Format: "mp3"}, &recordingHandler{}, testLogger())
	if err := s.Stream(context.Background(), bytes.NewReader(nil)); err == nil {
		t.Error("Expected error for unsupported format")
	}

	s = New(Config{Format: FormatRaw, BitsPerSample: 12}, &recordingHandler{}, testLogger())
	if err := s.Stream(context.Background(), bytes.NewReader(nil)); err == nil {
		t.Error("Expected error for unsupported bit depth")
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	h := &recordingHandler{}
	// one frame per second keeps the pacing timer well beyond the test
	s := New(Config{Format: FormatRaw, Channels: 1, SampleRate: 1, BitsPerSample: 32, ChunkFrames: 1, Realtime: true}, h, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, bytes.NewReader(make([]byte, 400)))
	}()

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.chunks) > 1 {
		t.Errorf("Expected at most 1 chunk before cancellation, got %d", len(h.chunks))
	}
}

func TestRunReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.raw")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("Failed to write input: %v", err)
	}

	h := &recordingHandler{}
	s := New(Config{Path: path, Format: FormatRaw, Channels: 2, SampleRate: 44100, BitsPerSample: 32, ChunkFrames: 4}, h, testLogger())

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(h.chunks) != 2 {
		t.Errorf("Expected 2 chunks, got %d", len(h.chunks))
	}

	s = New(Config{Path: filepath.Join(t.TempDir(), "missing.raw"), Format: FormatRaw}, h, testLogger())
	if err := s.Run(context.Background()); err == nil {
		t.Error("Expected error for missing file")
	}
}
