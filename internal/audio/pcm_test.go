package audio

import (
	"encoding/binary"
	"testing"
)

// container builds an S32_LE container holding a 24-bit sample plus a precision byte
func container(sample int32, low byte) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(sample)<<8)
	b[0] = low
	return b
}

func TestScrubPrecision(t *testing.T) {
	var data []byte
	data = append(data, container(100, 0x00)...)
	data = append(data, container(-5, 0x7F)...)
	data = append(data, container(3, 0x01)...)
	data = append(data, container(0, 0x00)...)

	scrubbed := ScrubPrecision(data)

	if scrubbed != 2 {
		t.Errorf("Expected 2 scrubbed containers, got %d", scrubbed)
	}

	for i := 0; i < len(data); i += 4 {
		if data[i] != 0 {
			t.Errorf("Expected precision byte of container %d to be zero, got 0x%02x", i/4, data[i])
		}
	}

	// significant bytes untouched
	if got := int32(binary.LittleEndian.Uint32(data[4:8])) >> 8; got != -5 {
		t.Errorf("Expected sample -5 to survive scrubbing, got %d", got)
	}
}

func TestScrubPrecisionIgnoresPartialContainer(t *testing.T) {
	data := []byte{0, 1, 2, 3, 9, 9}

	if scrubbed := ScrubPrecision(data); scrubbed != 0 {
		t.Errorf("Expected no scrubbed containers, got %d", scrubbed)
	}

	if data[4] != 9 {
		t.Error("Expected trailing partial container to be left alone")
	}
}

func TestReframe24Stereo(t *testing.T) {
	samples := []int32{1, -1, 8388607, -8388608, 12345, -54321}

	var data []byte
	for _, s := range samples {
		data = append(data, container(s, 0)...)
	}

	channels, frames := Reframe24(nil, data, 2)

	if frames != 3 {
		t.Fatalf("Expected 3 frames, got %d", frames)
	}

	if len(channels) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(channels))
	}

	for i, s := range samples {
		got := channels[i%2][i/2]
		if got != s {
			t.Errorf("Sample %d: expected %d, got %d", i, s, got)
		}
	}
}

func TestReframe24SingleFrame(t *testing.T) {
	data := append(container(-2, 0), container(7, 0)...)

	channels, frames := Reframe24(nil, data, 2)

	if frames != 1 {
		t.Fatalf("Expected 1 frame, got %d", frames)
	}

	if channels[0][0] != -2 || channels[1][0] != 7 {
		t.Errorf("Expected [-2 7], got [%d %d]", channels[0][0], channels[1][0])
	}
}

func TestReframe24IgnoresPrecisionByteOfNextContainer(t *testing.T) {
	// the bulk path loads across container boundaries; the low byte of the
	// following container must never leak into the sample
	data := append(container(1, 0xFF), container(2, 0xFF)...)
	data = append(data, container(3, 0xFF)...)

	channels, frames := Reframe24(nil, data, 1)

	if frames != 3 {
		t.Fatalf("Expected 3 frames, got %d", frames)
	}

	for i, want := range []int32{1, 2, 3} {
		if channels[0][i] != want {
			t.Errorf("Frame %d: expected %d, got %d", i, want, channels[0][i])
		}
	}
}

func TestReframe24WideFrame(t *testing.T) {
	var data []byte
	for frame := 0; frame < 2; frame++ {
		for ch := 0; ch < 6; ch++ {
			data = append(data, container(int32(frame*10+ch), 0)...)
		}
	}

	channels, frames := Reframe24(nil, data, 6)

	if frames != 2 {
		t.Fatalf("Expected 2 frames, got %d", frames)
	}

	for ch := 0; ch < 6; ch++ {
		if channels[ch][1] != int32(10+ch) {
			t.Errorf("Channel %d: expected %d, got %d", ch, 10+ch, channels[ch][1])
		}
	}
}

func TestReframe24Appends(t *testing.T) {
	dst := [][]int32{{42}, {43}}
	data := append(container(5, 0), container(6, 0)...)

	dst, frames := Reframe24(dst, data, 2)

	if frames != 1 {
		t.Fatalf("Expected 1 frame, got %d", frames)
	}

	if len(dst[0]) != 2 || dst[0][0] != 42 || dst[0][1] != 5 {
		t.Errorf("Expected left channel [42 5], got %v", dst[0])
	}
}

func TestReframe24ShortInput(t *testing.T) {
	_, frames := Reframe24(nil, []byte{1, 2, 3}, 2)
	if frames != 0 {
		t.Errorf("Expected 0 frames, got %d", frames)
	}
}

func TestToContainers(t *testing.T) {
	tests := []struct {
		name string
		bits int
		src  []byte
		want []byte
	}{
		{"16-bit", 16, []byte{0x34, 0x12}, []byte{0, 0, 0x34, 0x12}},
		{"24-bit", 24, []byte{0x56, 0x34, 0x12}, []byte{0, 0x56, 0x34, 0x12}},
		{"32-bit", 32, []byte{0x78, 0x56, 0x34, 0x12}, []byte{0x78, 0x56, 0x34, 0x12}},
		{"unsupported", 8, []byte{1, 2}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToContainers(nil, tt.src, tt.bits)
			if string(got) != string(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestChunkFrames(t *testing.T) {
	chunk := NewChunk(make([]byte, 8*5+3), 2, 44100)

	if chunk.Frames() != 5 {
		t.Errorf("Expected 5 frames, got %d", chunk.Frames())
	}

	if chunk.Size() != 43 {
		t.Errorf("Expected size 43, got %d", chunk.Size())
	}

	if (Chunk{Data: make([]byte, 8)}).Frames() != 0 {
		t.Error("Expected 0 frames for chunk without channels")
	}
}
