// Package audio holds the PCM primitives shared by the source and the encoder.
// It defines the Chunk type passed from the upstream source to the streamer,
// the S32_LE to 24-bit reframing used by the FLAC encoder, and WAV header parsing.
package audio
