package printer

import (
	"context"
	"testing"
	"time"
)

// simHarness runs a Channel over the simulated printer with a live
// monitor, the same stack -dev mode uses.
func simHarness(t *testing.T) (*SimPrinter, *Channel, context.CancelFunc) {
	t.Helper()
	mux, sim := NewSimMux()
	sim.ActionLatency = time.Millisecond
	sim.MoveLatency = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go mux.Monitor(ctx)

	stop := func() {
		cancel()
		mux.Close()
	}
	return sim, NewChannel(mux), stop
}

func TestSimPrinterPauseResumeDialogue(t *testing.T) {
	sim, ch, stop := simHarness(t)
	defer stop()

	id, events := ch.Events()
	defer ch.UnsubscribeEvents(id)

	if err := ch.SendPause(); err != nil {
		t.Fatalf("SendPause failed: %v", err)
	}
	awaitChannelEvent(t, events, EventPaused)

	sim.mu.Lock()
	paused := sim.paused
	sim.mu.Unlock()
	if !paused {
		t.Error("simulated printer not paused after M25")
	}

	if err := ch.SendResume(); err != nil {
		t.Fatalf("SendResume failed: %v", err)
	}
	awaitChannelEvent(t, events, EventResumed)
}

func TestSimPrinterMoveConfirmsAtTarget(t *testing.T) {
	sim, ch, stop := simHarness(t)
	defer stop()

	id, events := ch.Events()
	defer ch.UnsubscribeEvents(id)

	if err := ch.SendMove(80, 120, 7, 3000); err != nil {
		t.Fatalf("SendMove failed: %v", err)
	}

	ev := awaitChannelEvent(t, events, EventPositionReached)
	if ev.X != 80 || ev.Y != 120 || ev.Z != 7 {
		t.Errorf("position report (%g, %g, %g), want (80, 120, 7)", ev.X, ev.Y, ev.Z)
	}

	x, y, z := sim.Position()
	if x != 80 || y != 120 || z != 7 {
		t.Errorf("simulated head at (%g, %g, %g), want (80, 120, 7)", x, y, z)
	}
}

func TestSimPrinterJobStreamEmitsZComments(t *testing.T) {
	sim, ch, stop := simHarness(t)
	defer stop()

	id, events := ch.Events()
	defer ch.UnsubscribeEvents(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.RunJobStream(ctx, 0.2, 5*time.Millisecond)

	ev := awaitChannelEvent(t, events, EventZChange)
	if ev.Z != 0.2 {
		t.Errorf("first Z comment %g, want 0.2", ev.Z)
	}
	ev = awaitChannelEvent(t, events, EventZChange)
	if ev.Z != 0.4 {
		t.Errorf("second Z comment %g, want 0.4", ev.Z)
	}
}

func TestSimPrinterJobStreamHoldsWhilePaused(t *testing.T) {
	sim, ch, stop := simHarness(t)
	defer stop()

	id, events := ch.Events()
	defer ch.UnsubscribeEvents(id)

	if err := ch.SendPause(); err != nil {
		t.Fatalf("SendPause failed: %v", err)
	}
	awaitChannelEvent(t, events, EventPaused)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.RunJobStream(ctx, 0.2, 5*time.Millisecond)

	// while paused the stream emits nothing
	select {
	case ev := <-events:
		if ev.Kind == EventZChange {
			t.Fatalf("job stream advanced while paused: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}

	if err := ch.SendResume(); err != nil {
		t.Fatalf("SendResume failed: %v", err)
	}
	awaitChannelEvent(t, events, EventResumed)
	awaitChannelEvent(t, events, EventZChange)
}
