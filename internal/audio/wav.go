package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes the PCM stream found in a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// EncodeWAV encodes interleaved little-endian PCM into a WAV file
func EncodeWAV(pcm []byte, channels int, sampleRate int, bitsPerSample int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("channels must be positive, got %d", channels)
	}

	if bitsPerSample != 16 && bitsPerSample != 24 && bitsPerSample != 32 {
		return nil, fmt.Errorf("unsupported bit depth: %d", bitsPerSample)
	}

	blockAlign := uint16(channels * bitsPerSample / 8)
	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(pcm)

	return buf.Bytes(), nil
}

// ReadWAVHeader consumes the RIFF header and every chunk up to the start of
// the "data" chunk, leaving r positioned at the first PCM byte.
func ReadWAVHeader(r io.Reader) (*WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}

	if string(riff[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(riff[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var info WAVInfo
	var haveFormat bool

	for {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			return nil, fmt.Errorf("invalid WAV file: missing data chunk: %w", err)
		}
		id := string(chunkHeader[0:4])
		size := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			if audioFormat != wavFormatPCM && audioFormat != wavFormatExtensible {
				return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", audioFormat)
			}
			info.Channels = binary.LittleEndian.Uint16(body[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			haveFormat = true

		case "data":
			if !haveFormat {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			if err := info.validate(); err != nil {
				return nil, err
			}
			info.DataSize = size
			frameBytes := uint32(info.Channels) * uint32(info.BitsPerSample/8)
			info.NumFrames = size / frameBytes
			info.Duration = float64(info.NumFrames) / float64(info.SampleRate)
			return &info, nil

		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return nil, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

func (i *WAVInfo) validate() error {
	if i.Channels == 0 {
		return fmt.Errorf("unsupported channel count: 0")
	}

	if i.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate: 0")
	}

	switch i.BitsPerSample {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d (16, 24 or 32 required)", i.BitsPerSample)
	}

	return nil
}
