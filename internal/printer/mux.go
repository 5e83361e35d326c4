package printer

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

var ErrWriteFailed = fmt.Errorf("failed to write to printer port")

// maxSubscriberBacklog bounds the per-subscriber line queue. A reader
// that keeps draining never comes near it; only a subscriber that has
// stopped reading entirely loses lines past this point.
const maxSubscriberBacklog = 1024

// Mux is a printer port multiplexer that allows multiple clients to
// subscribe to output lines from a single printer while serialising
// command writes onto the port.
type Mux[T Porter] struct {
	port         T
	subscribers  map[string]*muxSubscriber
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// MuxInterface defines the interface for the Mux type.
type MuxInterface interface {
	// Subscribe creates a new channel for receiving output lines from the
	// printer. The channel ID identifies the channel when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes the provided G-code line to the printer port.
	SendCommand(string) error
	// Monitor reads lines from the printer port and fans them out to
	// subscribers until the context is cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the port.
	Close() error
}

// muxSubscriber decouples the port read loop from one subscriber. The
// read loop appends to the queue and never blocks; the pump goroutine
// feeds the queue into the subscriber's channel at the reader's pace.
// Pause/resume confirmations ride this stream, so a burst of port
// output must not drop lines on a reader that is merely slow to wake.
type muxSubscriber struct {
	ch   chan string
	done chan struct{}

	mu     sync.Mutex
	queue  []string
	wake   chan struct{}
	closed bool
}

func newMuxSubscriber() *muxSubscriber {
	s := &muxSubscriber{
		ch:   make(chan string, 16),
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.pump()
	return s
}

// push enqueues a line for delivery. Never blocks.
func (s *muxSubscriber) push(line string) {
	s.mu.Lock()
	if s.closed || len(s.queue) >= maxSubscriberBacklog {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, line)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *muxSubscriber) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		line := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- line:
		case <-s.done:
			return
		}
	}
}

// close stops the pump; the subscriber's channel is closed once the
// pump exits.
func (s *muxSubscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// NewMux creates a Mux instance backed by the given port.
func NewMux[T Porter](port T) *Mux[T] {
	return &Mux[T]{
		port:        port,
		subscribers: make(map[string]*muxSubscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (m *Mux[T]) Subscribe() (string, chan string) {
	id := randomID()
	sub := newMuxSubscriber()
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *Mux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if sub, ok := m.subscribers[id]; ok {
		sub.close()
		delete(m.subscribers, id)
	}
}

// SendCommand sends a G-code line to the printer port. Commands are
// serialised so concurrent callers cannot interleave partial writes.
func (m *Mux[T]) SendCommand(command string) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\n")) {
		command += "\n" // firmware parses line-at-a-time
	}
	n, err := m.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor monitors the printer port for output and fans lines out to
// subscribers. Fan-out goes through per-subscriber queues, so a reader
// that keeps draining sees every line while a stalled reader cannot
// stall the port.
func (m *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// read in a separate goroutine so the blocking scan.Scan does not
	// interfere with the outer loop awaiting context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.subscriberMu.Lock()
			for _, sub := range m.subscribers {
				sub.push(line)
			}
			m.subscriberMu.Unlock()
		}
	}
}

func (m *Mux[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, sub := range m.subscribers {
		sub.close()
		delete(m.subscribers, id)
	}
	return m.port.Close()
}
