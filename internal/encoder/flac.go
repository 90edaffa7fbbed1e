package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/skypro1111/slim-audio-service/internal/audio"
	"github.com/skypro1111/slim-audio-service/internal/conn"
	"github.com/skypro1111/slim-audio-service/internal/metrics"
)

const (
	// FLACContentType is the MIME type of the encoded stream
	FLACContentType = "audio/flac"

	// DefaultBlockSize matches the block size of the highest compression preset
	DefaultBlockSize = 4096

	// flacBitsPerSample is the effective bit depth; FLAC streams are limited to 24 bits here
	flacBitsPerSample = 24

	// totalSamplesEstimate is large enough for continuous streaming
	totalSamplesEstimate = 0xFFFFFFFF

	maxSampleRate = 655350
	maxChannels   = 8
)

var (
	// ErrBufferPoolFull is returned by Encode when every transfer buffer is in flight
	ErrBufferPoolFull = errors.New("transfer buffer is full")

	// ErrEncoderUnavailable is returned by Encode when the encoder failed to initialise
	ErrEncoderUnavailable = errors.New("encoder is not initialised")

	// ErrClosed is returned by Encode after Close
	ErrClosed = errors.New("encoder is closed")
)

// Options tunes a FLACStream; zero values select the defaults
type Options struct {
	PoolCapacity int
	BlockSize    int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// FLACStream encodes interleaved PCM in S32_LE containers into a FLAC stream
// written to a ByteSink. The stream composes two capabilities: the PCM
// encoding side (Encode, Close) and the byte sink side (WriteAsync, Rewind),
// the latter delegated to the wrapped sink.
type FLACStream struct {
	sink    conn.ByteSink
	logger  *slog.Logger
	metrics *metrics.Metrics
	pool    *Pool

	channels      int
	sampleRate    uint32
	bitsPerSample int // requested depth of the PCM producer
	bytesPerFrame int
	byteRate      int
	blockSize     int

	enc     *flac.Encoder
	initErr error

	staging bytes.Buffer
	ingest  []byte
	pending [][]int32
	closed  bool

	stats          StreamStats
	transferErrors atomic.Uint64
	mu             sync.Mutex
}

// StreamStats represents encoder statistics for monitoring
type StreamStats struct {
	FramesEncoded    uint64    `json:"frames_encoded"`
	BytesEncoded     uint64    `json:"bytes_encoded"`
	PCMBlocksDropped uint64    `json:"pcm_blocks_dropped"`
	ChunksDropped    uint64    `json:"encoded_chunks_dropped"`
	Truncations      uint64    `json:"truncations"`
	TransferErrors   uint64    `json:"transfer_errors"`
	Pool             PoolStats `json:"pool"`
}

// NewFLACStream configures a FLAC encoder writing to sink. Initialisation
// failures are logged and kept; the stream then refuses to encode.
func NewFLACStream(sink conn.ByteSink, channels int, sampleRate uint32, bitsPerSample int, opts Options) *FLACStream {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	s := &FLACStream{
		sink:          sink,
		logger:        logger.With(slog.String("component", "flac")),
		metrics:       opts.Metrics,
		pool:          NewPool(opts.PoolCapacity),
		channels:      channels,
		sampleRate:    sampleRate,
		bitsPerSample: bitsPerSample,
		bytesPerFrame: channels * audio.ContainerBytes,
		byteRate:      int(sampleRate) * channels * audio.ContainerBytes,
		blockSize:     blockSize,
	}

	if err := s.init(); err != nil {
		s.initErr = err
		s.metrics.RecordEncoderInitFailure()
		s.logger.Error("Initialization error",
			slog.Int("channels", channels),
			slog.Uint64("sample_rate", uint64(sampleRate)),
			slog.String("error", err.Error()),
		)
	}

	return s
}

func (s *FLACStream) init() error {
	if s.channels < 1 || s.channels > maxChannels {
		return fmt.Errorf("channels must be between 1 and %d, got %d", maxChannels, s.channels)
	}

	if s.sampleRate == 0 || s.sampleRate > maxSampleRate {
		return fmt.Errorf("sample rate must be between 1 and %d Hz, got %d", maxSampleRate, s.sampleRate)
	}

	if s.blockSize < 16 || s.blockSize > 65535 {
		return fmt.Errorf("block size must be between 16 and 65535, got %d", s.blockSize)
	}

	info := &meta.StreamInfo{
		BlockSizeMin:  uint16(s.blockSize),
		BlockSizeMax:  uint16(s.blockSize),
		SampleRate:    s.sampleRate,
		NChannels:     uint8(s.channels),
		BitsPerSample: flacBitsPerSample,
		NSamples:      totalSamplesEstimate,
	}

	// the stream header stays staged until the first frame is flushed, so the
	// transport can send its own response header first
	enc, err := flac.NewEncoder(&s.staging, info)
	if err != nil {
		return fmt.Errorf("failed to create FLAC encoder: %w", err)
	}

	s.enc = enc
	s.pending = make([][]int32, s.channels)
	for ch := range s.pending {
		s.pending[ch] = make([]int32, 0, s.blockSize*2)
	}

	if s.bitsPerSample > flacBitsPerSample {
		s.logger.Debug("Requested bit depth exceeds FLAC limit, encoding 24 bits",
			slog.Int("requested_bits", s.bitsPerSample),
		)
	}

	return nil
}

// Err returns the initialisation error, if any
func (s *FLACStream) Err() error {
	return s.initErr
}

// ContentType returns the MIME type of the encoded output
func (s *FLACStream) ContentType() string {
	return FLACContentType
}

// SampleRate returns the configured sample rate
func (s *FLACStream) SampleRate() uint32 {
	return s.sampleRate
}

// BytesPerFrame returns the size of one interleaved input frame
func (s *FLACStream) BytesPerFrame() int {
	return s.bytesPerFrame
}

// ByteRate returns the input PCM byte rate
func (s *FLACStream) ByteRate() int {
	return s.byteRate
}

// Rewind delegates to the wrapped sink
func (s *FLACStream) Rewind(pos int64) error {
	return s.sink.Rewind(pos)
}

// WriteAsync hands data to the wrapped sink without blocking
func (s *FLACStream) WriteAsync(data []byte, callback conn.WriteCallback) {
	s.sink.WriteAsync(data, callback)
}

// Encode ingests interleaved PCM in S32_LE containers holding at most 24
// significant bits. p is not modified. Only complete frames are consumed and
// their byte count is returned. When every transfer buffer is in flight the
// whole block is dropped and ErrBufferPoolFull is returned; the producer may
// retry later.
func (s *FLACStream) Encode(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.enc == nil {
		return 0, ErrEncoderUnavailable
	}

	// do not feed the encoder while no transfer buffer is free
	if !s.pool.HasFree() {
		s.stats.PCMBlocksDropped++
		s.metrics.RecordPCMDropped()
		s.logger.Warn("Transfer buffer is full - skipping PCM chunk",
			slog.Int("size", len(p)),
		)
		return 0, ErrBufferPoolFull
	}

	frames := len(p) / s.bytesPerFrame
	if frames == 0 {
		return 0, nil
	}
	size := frames * s.bytesPerFrame

	s.ingest = append(s.ingest[:0], p[:size]...)

	if scrubbed := audio.ScrubPrecision(s.ingest); scrubbed > 0 {
		s.stats.Truncations++
		s.metrics.RecordTruncation()
		s.logger.Warn("All 32-bits are used for PCM data, scaling to 24 bits as required for FLAC",
			slog.Int("samples", scrubbed),
		)
	}

	s.pending, _ = audio.Reframe24(s.pending, s.ingest, s.channels)

	for len(s.pending[0]) >= s.blockSize {
		s.encodeBlock(s.blockSize)
	}

	return size, nil
}

// encodeBlock encodes the first n pending frames as one FLAC frame
func (s *FLACStream) encodeBlock(n int) {
	f := &frame.Frame{
		Header: frame.Header{
			HasFixedBlockSize: true,
			BlockSize:         uint16(n),
			SampleRate:        s.sampleRate,
			Channels:          frame.Channels(s.channels - 1),
			BitsPerSample:     flacBitsPerSample,
		},
		Subframes: make([]*frame.Subframe, s.channels),
	}

	for ch := 0; ch < s.channels; ch++ {
		f.Subframes[ch] = analyse(s.pending[ch][:n], flacBitsPerSample)
	}

	if err := s.enc.WriteFrame(f); err != nil {
		s.logger.Error("Frame encoding failed", slog.String("error", err.Error()))
		s.staging.Reset()
	} else {
		s.stats.FramesEncoded++
	}

	for ch := 0; ch < s.channels; ch++ {
		rest := copy(s.pending[ch], s.pending[ch][n:])
		s.pending[ch] = s.pending[ch][:rest]
	}

	s.flush()
}

// flush hands everything the codec produced since the last flush to the sink
func (s *FLACStream) flush() {
	if s.staging.Len() == 0 {
		return
	}
	s.emit(s.staging.Bytes())
	s.staging.Reset()
}

// emit copies one encoded chunk into a free transfer buffer and starts an
// asynchronous write. The completion only touches the pool, through a
// generation handle, so it is safe after the stream has been closed.
func (s *FLACStream) emit(data []byte) {
	h, buf, ok := s.pool.Acquire(data)
	if !ok {
		s.stats.ChunksDropped++
		s.metrics.RecordEncodedDropped()
		s.logger.Warn("Transfer buffer is full - skipping encoded chunk",
			slog.Int("size", len(data)),
		)
		return
	}

	s.stats.BytesEncoded += uint64(len(buf))
	s.metrics.RecordEncodedBytes(len(buf))

	pool := s.pool
	logger := s.logger
	m := s.metrics
	errs := &s.transferErrors

	s.sink.WriteAsync(buf, func(err error, transferred int) {
		pool.Release(h)

		if err != nil {
			errs.Add(1)
			m.RecordTransferError()
			logger.Error("Error while transferring data",
				slog.Int("transferred", transferred),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Close encodes any pending samples and finalises the codec. Failures are
// logged only. Close is idempotent.
func (s *FLACStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	if s.enc == nil {
		return
	}

	if n := len(s.pending[0]); n > 0 {
		s.encodeBlock(n)
	}

	if err := s.enc.Close(); err != nil {
		s.logger.Error("Finish failed", slog.String("error", err.Error()))
	}

	s.flush()
}

// Stats returns a snapshot of the encoder statistics
func (s *FLACStream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.TransferErrors = s.transferErrors.Load()
	stats.Pool = s.pool.Stats()
	return stats
}
