// Package printer provides the command channel to the printer: a serial
// port multiplexer, G-code command helpers, and a parser that turns
// firmware output lines into typed events.
package printer

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a printer port.
// This abstraction enables unit testing without real printer hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortMode defines serial port configuration parameters.
type PortMode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// Parity defines serial port parity options.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits defines serial port stop bit options.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// DefaultPortMode returns the default mode for printer control boards.
func DefaultPortMode() *PortMode {
	return &PortMode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   NoParity,
		StopBits: OneStopBit,
	}
}

// PortFactory defines an interface for creating printer ports.
// This abstraction enables dependency injection of port creation.
type PortFactory interface {
	// Open opens a port at the specified path with the given mode.
	Open(path string, mode *PortMode) (Porter, error)
}

// TimeoutPorter extends Porter with timeout capabilities. Optional;
// real serial ports implement it, fakes may not.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}
