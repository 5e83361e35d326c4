package printer

import (
	"go.bug.st/serial"
)

// serialMode converts a PortMode to the go.bug.st/serial representation.
func serialMode(mode *PortMode) *serial.Mode {
	if mode == nil {
		mode = DefaultPortMode()
	}

	parity := serial.NoParity
	switch mode.Parity {
	case OddParity:
		parity = serial.OddParity
	case EvenParity:
		parity = serial.EvenParity
	}

	stopBits := serial.OneStopBit
	if mode.StopBits == TwoStopBits {
		stopBits = serial.TwoStopBits
	}

	return &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		Parity:   parity,
		StopBits: stopBits,
	}
}

// NewRealMux creates a Mux backed by a real serial port at the given path.
func NewRealMux(path string, mode *PortMode) (*Mux[serial.Port], error) {
	port, err := serial.Open(path, serialMode(mode))
	if err != nil {
		return nil, err
	}
	return NewMux[serial.Port](port), nil
}
