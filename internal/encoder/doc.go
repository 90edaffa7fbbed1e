// Package encoder turns a push-style PCM stream into a push-style FLAC stream.
// Encoded output is handed to an asynchronous byte sink through a fixed pool of
// reusable transfer buffers; when the pool is exhausted output is dropped rather
// than queued, which is the backpressure signal seen by the PCM producer.
package encoder
