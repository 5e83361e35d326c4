package printer

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimPrinter is a Porter that behaves like a simplified Marlin-style
// control board: commands written to it are acknowledged and answered on
// the read side. It backs -dev mode so the daemon can run end to end
// without hardware.
type SimPrinter struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	x, y, z float64
	paused  bool
	closed  bool

	// ActionLatency delays pause/resume confirmations, mimicking the time
	// a real machine needs to park and reprime.
	ActionLatency time.Duration
	// MoveLatency delays position reports after a G1+M400+M114 sequence.
	MoveLatency time.Duration
}

// NewSimPrinter creates a simulated printer with modest default latencies.
func NewSimPrinter() *SimPrinter {
	r, w := io.Pipe()
	return &SimPrinter{
		r:             r,
		w:             w,
		ActionLatency: 50 * time.Millisecond,
		MoveLatency:   20 * time.Millisecond,
	}
}

// NewSimMux creates a Mux backed by a simulated printer.
func NewSimMux() (*Mux[*SimPrinter], *SimPrinter) {
	sim := NewSimPrinter()
	return NewMux(sim), sim
}

func (s *SimPrinter) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Write accepts one or more command lines and schedules firmware
// responses on the read side.
func (s *SimPrinter) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.mu.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		s.handle(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (s *SimPrinter) handle(command string) {
	switch {
	case command == "M25":
		s.respondAfter(s.ActionLatency, "// action:paused")
		s.mu.Lock()
		s.paused = true
		s.mu.Unlock()
	case command == "M24":
		s.respondAfter(s.ActionLatency, "// action:resumed")
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
	case strings.HasPrefix(command, "G1 ") || strings.HasPrefix(command, "G0 "):
		s.applyMove(command)
		s.respondAfter(0, "ok")
	case command == "M114":
		s.mu.Lock()
		report := fmt.Sprintf("X:%.2f Y:%.2f Z:%.2f E:0.00 Count X:0 Y:0 Z:0", s.x, s.y, s.z)
		s.mu.Unlock()
		s.respondAfter(s.MoveLatency, report)
	case command == "":
		// blank line, nothing to do
	default:
		s.respondAfter(0, "ok")
	}
}

// applyMove updates the simulated head position from a G0/G1 word list.
func (s *SimPrinter) applyMove(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, word := range strings.Fields(command)[1:] {
		if len(word) < 2 {
			continue
		}
		val, err := strconv.ParseFloat(word[1:], 64)
		if err != nil {
			continue
		}
		switch word[0] {
		case 'X':
			s.x = val
		case 'Y':
			s.y = val
		case 'Z':
			s.z = val
		}
	}
}

// respondAfter writes a response line to the read side. Pipe writes block
// until the mux reads them, so responses always go through a goroutine.
func (s *SimPrinter) respondAfter(delay time.Duration, line string) {
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.w.Write([]byte(line + "\n"))
	}()
}

// EmitLine injects a raw line into the output stream, as if the firmware
// printed it. Used to feed job-stream comments in tests.
func (s *SimPrinter) EmitLine(line string) {
	s.respondAfter(0, line)
}

// RunJobStream emits slicer Z comments at the given cadence, simulating
// an advancing print. It blocks until the context is cancelled. While the
// simulated printer is paused the stream holds its height.
func (s *SimPrinter) RunJobStream(ctx context.Context, layerHeight float64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var height float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			paused := s.paused
			s.mu.Unlock()
			if paused {
				continue
			}
			height += layerHeight
			s.EmitLine(fmt.Sprintf(";Z:%.2f", height))
		}
	}
}

// Position returns the simulated head position.
func (s *SimPrinter) Position() (x, y, z float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y, s.z
}

func (s *SimPrinter) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.w.Close()
	return s.r.Close()
}
