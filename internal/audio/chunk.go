package audio

// ContainerBytes is the size of one PCM sample container (S32_LE)
const ContainerBytes = 4

// Chunk is an immutable slice of interleaved PCM samples in S32_LE containers.
// Consumers that need to modify the samples must copy Data first.
type Chunk struct {
	Data       []byte
	Channels   int
	SampleRate uint32 // 0 when the producer has no rate information
}

// NewChunk wraps interleaved container bytes
func NewChunk(data []byte, channels int, sampleRate uint32) Chunk {
	return Chunk{
		Data:       data,
		Channels:   channels,
		SampleRate: sampleRate,
	}
}

// Frames returns the number of complete frames in the chunk
func (c Chunk) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Data) / (c.Channels * ContainerBytes)
}

// Size returns the chunk size in bytes
func (c Chunk) Size() int {
	return len(c.Data)
}
