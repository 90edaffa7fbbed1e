package conn

import (
	"fmt"
	"sync/atomic"
)

// ID is the stable identity of a transport connection
type ID uint64

// String renders the ID for log attributes
func (id ID) String() string {
	return fmt.Sprintf("conn-%d", uint64(id))
}

// Generator hands out connection IDs; zero is never returned
type Generator struct {
	last atomic.Uint64
}

// Next returns a fresh connection ID
func (g *Generator) Next() ID {
	return ID(g.last.Add(1))
}

// WriteCallback is invoked once per asynchronous write with the transfer outcome
type WriteCallback func(err error, transferred int)

// ByteSink accepts bytes asynchronously and supports rewinding to a position.
// WriteAsync must not block; the callback may run on another goroutine after
// WriteAsync has returned. The sink must not retain data after the callback.
type ByteSink interface {
	WriteAsync(data []byte, callback WriteCallback)
	Rewind(pos int64) error
}

// Connection is the per-connection capability handed to sessions
type Connection interface {
	ByteSink

	// ID returns the connection identity used as the session key
	ID() ID

	// Stop closes the connection; the transport reports the close through its
	// close hook. Safe to call more than once.
	Stop()

	// RemoteAddr returns the peer address for logging
	RemoteAddr() string
}
