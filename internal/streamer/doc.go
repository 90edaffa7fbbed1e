// Package streamer orchestrates player sessions on the control and streaming
// channels: handshake detection, session directories keyed by connection,
// the shared sampling rate and distribution of PCM chunks to every encoder.
package streamer
