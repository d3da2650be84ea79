package driver

import (
	"io"
	"time"
)

// Transport carries raw packet bytes to and from the servo bus. The bus is
// half duplex: every write is followed by reading the addressed servo's
// status packet, so implementations need a per-read timeout and a way to
// drop stale input before a new exchange.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a single Read blocks. A timed-out
	// Read returns zero bytes.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards buffered input left over from a previous exchange.
	Flush() error
}
