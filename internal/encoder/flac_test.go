package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/mewkiz/flac"

	"github.com/skypro1111/slim-audio-service/internal/conn"
)

// recordingHandler captures log records for assertions
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

// syncSink completes every write immediately and keeps the bytes
type syncSink struct {
	buf     bytes.Buffer
	writes  int
	rewinds []int64
}

func (s *syncSink) WriteAsync(data []byte, callback conn.WriteCallback) {
	s.writes++
	s.buf.Write(data)
	callback(nil, len(data))
}

func (s *syncSink) Rewind(pos int64) error {
	s.rewinds = append(s.rewinds, pos)
	return nil
}

// heldSink keeps completions pending until released by the test
type heldSink struct {
	writes    [][]byte
	callbacks []conn.WriteCallback
}

func (s *heldSink) WriteAsync(data []byte, callback conn.WriteCallback) {
	s.writes = append(s.writes, append([]byte(nil), data...))
	s.callbacks = append(s.callbacks, callback)
}

func (s *heldSink) Rewind(int64) error { return errors.New("not seekable") }

func (s *heldSink) complete(i int, err error) {
	s.callbacks[i](err, len(s.writes[i]))
}

// stereoPCM builds interleaved S32_LE containers from 24-bit sample pairs
func stereoPCM(frames int, precision byte) ([]byte, [2][]int32) {
	var want [2][]int32
	pcm := make([]byte, 0, frames*8)
	for i := 0; i < frames; i++ {
		l := int32(2000000 * math.Sin(2*math.Pi*440*float64(i)/44100))
		r := int32(-1500000 * math.Sin(2*math.Pi*220*float64(i)/44100))
		for ch, v := range []int32{l, r} {
			b := binary.LittleEndian.AppendUint32(nil, uint32(v)<<8)
			b[0] = precision
			pcm = append(pcm, b...)
			want[ch] = append(want[ch], v)
		}
	}
	return pcm, want
}

func newTestStream(sink conn.ByteSink, rate uint32, opts Options) (*FLACStream, *recordingHandler) {
	h := &recordingHandler{}
	opts.Logger = slog.New(h)
	return NewFLACStream(sink, 2, rate, 32, opts), h
}

func TestNewFLACStreamDerivedFields(t *testing.T) {
	s, _ := newTestStream(&syncSink{}, 44100, Options{})
	defer s.Close()

	if s.Err() != nil {
		t.Fatalf("Unexpected init error: %v", s.Err())
	}

	if s.BytesPerFrame() != 8 {
		t.Errorf("Expected 8 bytes per frame, got %d", s.BytesPerFrame())
	}

	if s.ByteRate() != 44100*8 {
		t.Errorf("Expected byte rate %d, got %d", 44100*8, s.ByteRate())
	}

	if s.ContentType() != "audio/flac" {
		t.Errorf("Expected content type audio/flac, got %s", s.ContentType())
	}
}

func TestNewFLACStreamInitFailure(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		rate     uint32
	}{
		{"zero rate", 2, 0},
		{"too many channels", 9, 44100},
		{"no channels", 0, 44100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			s := NewFLACStream(&syncSink{}, tt.channels, tt.rate, 32, Options{Logger: slog.New(h)})

			if s.Err() == nil {
				t.Fatal("Expected init error")
			}

			if h.count(slog.LevelError, "Initialization error") != 1 {
				t.Error("Expected init failure to be logged once")
			}

			if _, err := s.Encode(make([]byte, 64)); !errors.Is(err, ErrEncoderUnavailable) {
				t.Errorf("Expected ErrEncoderUnavailable, got %v", err)
			}

			// closing an uninitialised stream must not panic
			s.Close()
		})
	}
}

func TestEncodeProducesDecodableStream(t *testing.T) {
	sink := &syncSink{}
	s, _ := newTestStream(sink, 44100, Options{BlockSize: 256})

	pcm, want := stereoPCM(1000, 0)

	// feed in uneven, frame aligned pieces
	for _, piece := range [][]byte{pcm[:1200], pcm[1200:4000], pcm[4000:]} {
		n, err := s.Encode(piece)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if n != len(piece) {
			t.Errorf("Expected %d bytes consumed, got %d", len(piece), n)
		}
	}

	// a trailing partial frame is not consumed
	if n, _ := s.Encode(pcm[:5]); n != 0 {
		t.Errorf("Expected partial frame to be ignored, got %d bytes", n)
	}
	s.Close()

	stream, err := flac.New(bytes.NewReader(sink.buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to parse FLAC stream: %v", err)
	}

	if stream.Info.SampleRate != 44100 {
		t.Errorf("Expected sample rate 44100, got %d", stream.Info.SampleRate)
	}

	if stream.Info.NChannels != 2 {
		t.Errorf("Expected 2 channels, got %d", stream.Info.NChannels)
	}

	if stream.Info.BitsPerSample != 24 {
		t.Errorf("Expected 24 bits per sample, got %d", stream.Info.BitsPerSample)
	}

	var got [2][]int32
	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Failed to parse frame: %v", err)
		}
		for ch := 0; ch < 2; ch++ {
			got[ch] = append(got[ch], f.Subframes[ch].Samples...)
		}
	}

	for ch := 0; ch < 2; ch++ {
		if len(got[ch]) != len(want[ch]) {
			t.Fatalf("Channel %d: expected %d samples, got %d", ch, len(want[ch]), len(got[ch]))
		}
		for i := range want[ch] {
			if got[ch][i] != want[ch][i] {
				t.Fatalf("Channel %d sample %d: expected %d, got %d", ch, i, want[ch][i], got[ch][i])
			}
		}
	}
}

func TestStreamHeaderHeldUntilFirstFrame(t *testing.T) {
	sink := &syncSink{}
	s, _ := newTestStream(sink, 48000, Options{BlockSize: 64})

	if sink.writes != 0 {
		t.Fatalf("Expected no writes before the first frame, got %d", sink.writes)
	}

	pcm, _ := stereoPCM(64, 0)
	if _, err := s.Encode(pcm); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if sink.writes != 1 {
		t.Fatalf("Expected one write carrying header and frame, got %d", sink.writes)
	}

	if !bytes.HasPrefix(sink.buf.Bytes(), []byte("fLaC")) {
		t.Error("Expected output to start with the FLAC signature")
	}
	s.Close()
}

func TestEncodeTruncationWarnsOncePerCall(t *testing.T) {
	sink := &syncSink{}
	s, h := newTestStream(sink, 44100, Options{BlockSize: 64})
	defer s.Close()

	pcm, _ := stereoPCM(100, 0x5A)
	original := append([]byte(nil), pcm...)

	if _, err := s.Encode(pcm); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	const msg = "All 32-bits are used for PCM data, scaling to 24 bits as required for FLAC"
	if got := h.count(slog.LevelWarn, msg); got != 1 {
		t.Errorf("Expected exactly 1 truncation warning for 200 samples, got %d", got)
	}

	if !bytes.Equal(pcm, original) {
		t.Error("Expected caller's buffer to be left untouched")
	}

	for i := 0; i < len(s.ingest); i += 4 {
		if s.ingest[i] != 0 {
			t.Fatalf("Expected precision byte %d to be zeroed before encoding", i/4)
		}
	}

	clean, _ := stereoPCM(10, 0)
	if _, err := s.Encode(clean); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if got := h.count(slog.LevelWarn, msg); got != 1 {
		t.Errorf("Expected no further warning for clean input, got %d total", got)
	}

	if s.Stats().Truncations != 1 {
		t.Errorf("Expected 1 truncation in stats, got %d", s.Stats().Truncations)
	}
}

func TestEgressBackpressure(t *testing.T) {
	const capacity = 4
	sink := &heldSink{}
	s, h := newTestStream(sink, 44100, Options{PoolCapacity: capacity})
	defer s.Close()

	for i := 0; i < capacity+3; i++ {
		s.emit([]byte{byte(i), 0xAA})
	}

	if len(sink.writes) != capacity {
		t.Fatalf("Expected exactly %d writes forwarded, got %d", capacity, len(sink.writes))
	}

	for i := 0; i < capacity; i++ {
		if sink.writes[i][0] != byte(i) {
			t.Errorf("Expected write %d to carry chunk %d, got %d", i, i, sink.writes[i][0])
		}
	}

	if got := h.count(slog.LevelWarn, "Transfer buffer is full - skipping encoded chunk"); got != 3 {
		t.Errorf("Expected 3 drop warnings, got %d", got)
	}

	// a failed completion still frees its slot
	sink.complete(1, errors.New("broken pipe"))

	if h.count(slog.LevelError, "Error while transferring data") != 1 {
		t.Error("Expected transfer error to be logged")
	}

	s.emit([]byte{0xFF})
	if len(sink.writes) != capacity+1 {
		t.Fatalf("Expected freed slot to be reused, got %d writes", len(sink.writes))
	}

	if sink.writes[capacity][0] != 0xFF {
		t.Error("Expected newest chunk to be forwarded after slot release")
	}

	stats := s.Stats()
	if stats.ChunksDropped != 3 {
		t.Errorf("Expected 3 dropped chunks, got %d", stats.ChunksDropped)
	}
	if stats.TransferErrors != 1 {
		t.Errorf("Expected 1 transfer error, got %d", stats.TransferErrors)
	}
	if stats.Pool.InFlight != capacity {
		t.Errorf("Expected %d slots in flight, got %d", capacity, stats.Pool.InFlight)
	}
}

func TestIngestBackpressure(t *testing.T) {
	sink := &heldSink{}
	s, h := newTestStream(sink, 44100, Options{PoolCapacity: 2, BlockSize: 16})
	defer s.Close()

	pcm, _ := stereoPCM(16, 0)

	for i := 0; i < 2; i++ {
		if _, err := s.Encode(pcm); err != nil {
			t.Fatalf("Encode %d failed: %v", i, err)
		}
	}

	if len(sink.writes) != 2 {
		t.Fatalf("Expected 2 in-flight writes, got %d", len(sink.writes))
	}

	n, err := s.Encode(pcm)
	if !errors.Is(err, ErrBufferPoolFull) {
		t.Fatalf("Expected ErrBufferPoolFull, got %v", err)
	}
	if n != 0 {
		t.Errorf("Expected 0 bytes accepted, got %d", n)
	}

	if h.count(slog.LevelWarn, "Transfer buffer is full - skipping PCM chunk") != 1 {
		t.Error("Expected PCM drop warning")
	}

	sink.complete(0, nil)

	if _, err := s.Encode(pcm); err != nil {
		t.Errorf("Expected Encode to succeed after completion, got %v", err)
	}
}

func TestCompletionAfterClose(t *testing.T) {
	sink := &heldSink{}
	s, _ := newTestStream(sink, 44100, Options{BlockSize: 16})

	pcm, _ := stereoPCM(16, 0)
	if _, err := s.Encode(pcm); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	s.Close()
	s.Close()

	// completions arriving after teardown only release their slots
	for i := range sink.callbacks {
		sink.complete(i, errors.New("connection closed"))
	}

	if got := s.Stats().Pool.InFlight; got != 0 {
		t.Errorf("Expected all slots released, got %d in flight", got)
	}

	if _, err := s.Encode(pcm); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestDelegation(t *testing.T) {
	sink := &syncSink{}
	s, _ := newTestStream(sink, 44100, Options{})
	defer s.Close()

	if err := s.Rewind(128); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}

	if len(sink.rewinds) != 1 || sink.rewinds[0] != 128 {
		t.Errorf("Expected rewind to 128 to be delegated, got %v", sink.rewinds)
	}

	var gotErr error
	gotN := -1
	s.WriteAsync([]byte("abc"), func(err error, n int) {
		gotErr, gotN = err, n
	})

	if gotErr != nil || gotN != 3 {
		t.Errorf("Expected (nil, 3) completion, got (%v, %d)", gotErr, gotN)
	}
}
