package printer

import (
	"fmt"
	"sync"
)

// Channel layers G-code command helpers and typed event subscriptions on
// top of a raw line mux. It is the single writer to the printer's command
// stream during a capture session.
type Channel struct {
	mux MuxInterface

	subMu   sync.Mutex
	lineSub map[string]lineSubscription // event subscription ID -> mux side
}

type lineSubscription struct {
	muxID string
	quit  chan struct{}
}

// NewChannel creates a Channel over the given mux.
func NewChannel(mux MuxInterface) *Channel {
	return &Channel{
		mux:     mux,
		lineSub: make(map[string]lineSubscription),
	}
}

// SendPause asks the firmware to pause the active print (M25). The pause
// is confirmed asynchronously by an EventPaused on the event stream.
func (c *Channel) SendPause() error {
	return c.mux.SendCommand("M25")
}

// SendResume asks the firmware to resume the paused print (M24),
// confirmed asynchronously by an EventResumed.
func (c *Channel) SendResume() error {
	return c.mux.SendCommand("M24")
}

// SendMove issues an absolute move followed by a finish-moves barrier and
// a position report request, so an EventPositionReached arrives only once
// the head has physically stopped at the target.
func (c *Channel) SendMove(x, y, z float64, feedrate int) error {
	for _, cmd := range []string{
		fmt.Sprintf("G1 X%.3f Y%.3f Z%.3f F%d", x, y, z, feedrate),
		"M400",
		"M114",
	} {
		if err := c.mux.SendCommand(cmd); err != nil {
			return fmt.Errorf("move to (%.3f, %.3f, %.3f): %w", x, y, z, err)
		}
	}
	return nil
}

// RequestPosition asks for a settled position report (M400 + M114).
func (c *Channel) RequestPosition() error {
	for _, cmd := range []string{"M400", "M114"} {
		if err := c.mux.SendCommand(cmd); err != nil {
			return fmt.Errorf("request position: %w", err)
		}
	}
	return nil
}

// SendRaw passes an arbitrary G-code line through to the printer.
func (c *Channel) SendRaw(command string) error {
	return c.mux.SendCommand(command)
}

// Events subscribes to the printer's typed event stream. Lines that do
// not decode to an event are dropped. Decoded events are delivered
// losslessly: pause and resume confirmations arrive exactly once, so a
// subscriber that keeps draining must see every one. The returned
// channel is closed when the subscription is removed or the mux shuts
// down.
func (c *Channel) Events() (string, <-chan Event) {
	muxID, lines := c.mux.Subscribe()
	events := make(chan Event, 16)
	quit := make(chan struct{})

	id := randomID()
	c.subMu.Lock()
	c.lineSub[id] = lineSubscription{muxID: muxID, quit: quit}
	c.subMu.Unlock()

	go func() {
		defer close(events)
		for line := range lines {
			ev, ok := ParseLine(line)
			if !ok {
				continue
			}
			select {
			case events <- ev:
			case <-quit:
				return
			}
		}
	}()

	return id, events
}

// UnsubscribeEvents removes an event subscription created by Events.
func (c *Channel) UnsubscribeEvents(id string) {
	c.subMu.Lock()
	sub, ok := c.lineSub[id]
	delete(c.lineSub, id)
	c.subMu.Unlock()
	if ok {
		close(sub.quit)
		c.mux.Unsubscribe(sub.muxID)
	}
}
