// Package source reads PCM from a WAV file, a raw S32_LE/S24_LE/S16_LE file
// or stdin and hands it to the streamer in fixed-size chunks, optionally
// paced at the playback rate.
package source
