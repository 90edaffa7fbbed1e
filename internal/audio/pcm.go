package audio

import "encoding/binary"

// ScrubPrecision zeroes the low-order byte of every S32_LE container in p.
// That byte carries the bits beyond 24-bit resolution. It returns how many
// containers had a nonzero low byte.
func ScrubPrecision(p []byte) int {
	scrubbed := 0
	for i := 0; i+ContainerBytes <= len(p); i += ContainerBytes {
		if p[i] != 0 {
			p[i] = 0
			scrubbed++
		}
	}
	return scrubbed
}

// Reframe24 converts the complete frames of src (interleaved S32_LE containers)
// into sign-extended 24-bit samples, appending one slice per channel to dst.
// It returns the extended slices and the number of frames converted.
func Reframe24(dst [][]int32, src []byte, channels int) ([][]int32, int) {
	frameBytes := channels * ContainerBytes
	if channels <= 0 || len(src) < frameBytes {
		return dst, 0
	}
	frames := len(src) / frameBytes

	// every frame but the last is read one byte in, so each 4-byte load
	// covers the three significant bytes plus the next container's low byte
	if frames > 1 {
		dst = unpack24(dst, src[1:(frames-1)*frameBytes+1], channels)
	}

	// the offset load would run one byte past the block for the last frame
	var scratch [8]byte
	tail := scratch[:]
	if frameBytes > len(scratch) {
		tail = make([]byte, frameBytes)
	}
	tail = tail[:frameBytes]
	last := src[(frames-1)*frameBytes : frames*frameBytes]
	for ch := 0; ch < channels; ch++ {
		off := ch * ContainerBytes
		tail[off] = last[off+1]
		tail[off+1] = last[off+2]
		tail[off+2] = last[off+3]
		tail[off+3] = 0
	}
	dst = unpack24(dst, tail, channels)

	return dst, frames
}

func unpack24(dst [][]int32, src []byte, channels int) [][]int32 {
	for len(dst) < channels {
		dst = append(dst, nil)
	}
	n := len(src) / ContainerBytes
	for i := 0; i < n; i++ {
		v := binary.LittleEndian.Uint32(src[i*ContainerBytes:]) & 0xFFFFFF
		ch := i % channels
		dst[ch] = append(dst[ch], int32(v<<8)>>8)
	}
	return dst
}

// ToContainers widens little-endian PCM of the given bit depth into S32_LE
// containers, appending to dst. Samples are left-justified so a 16-bit source
// keeps its full scale.
func ToContainers(dst, src []byte, bitsPerSample int) []byte {
	switch bitsPerSample {
	case 16:
		for i := 0; i+2 <= len(src); i += 2 {
			dst = append(dst, 0, 0, src[i], src[i+1])
		}
	case 24:
		for i := 0; i+3 <= len(src); i += 3 {
			dst = append(dst, 0, src[i], src[i+1], src[i+2])
		}
	case 32:
		dst = append(dst, src[:len(src)/ContainerBytes*ContainerBytes]...)
	}
	return dst
}
