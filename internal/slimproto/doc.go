// Package slimproto implements the SlimProto control protocol spoken by
// network players: framing of client messages (HELO, STAT, BYE!), incremental
// reassembly across TCP reads, and encoding of server commands such as strm.
package slimproto
