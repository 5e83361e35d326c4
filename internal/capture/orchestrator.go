package capture

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/printwatch/layercapture/internal/printer"
	"github.com/printwatch/layercapture/internal/storage"
)

// positionTolerance is the coordinate slack accepted when matching a
// firmware position report against a commanded target, in mm.
const positionTolerance = 0.05

// Commander issues commands to the printer. Sends are synchronous writes;
// confirmations arrive asynchronously on the event stream.
type Commander interface {
	SendPause() error
	SendResume() error
	SendMove(x, y, z float64, feedrate int) error
	RequestPosition() error
}

// EventSource provides typed printer event subscriptions.
type EventSource interface {
	Events() (string, <-chan printer.Event)
	UnsubscribeEvents(id string)
}

// RecordSink indexes finished session records, e.g. into sqlite.
type RecordSink interface {
	RecordSession(rec SessionRecord, recordPath string) error
}

// Config collects everything the orchestrator needs to run sessions.
type Config struct {
	Grid    GridConfig
	Limits  BedLimits
	Trigger TriggerRule

	Feedrate       int
	SettleDelay    time.Duration
	ReturnToOrigin bool
	SaveMetadata   bool

	PauseTimeout      time.Duration
	MoveTimeout       time.Duration
	ResumeTimeout     time.Duration
	ResumeMaxAttempts int
	ResumeBackoff     time.Duration
}

// Validate rejects configurations under which a session must not start.
// This runs before any pause or motion command is ever issued, so a
// misconfigured setup can never leave the printer paused.
func (c Config) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Trigger.Validate(); err != nil {
		return err
	}
	if c.Feedrate <= 0 {
		return fmt.Errorf("%w: feedrate must be > 0, got %d", ErrInvalidConfiguration, c.Feedrate)
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("%w: settle delay must be >= 0", ErrInvalidConfiguration)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"pause timeout", c.PauseTimeout},
		{"move timeout", c.MoveTimeout},
		{"resume timeout", c.ResumeTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s must be > 0", ErrInvalidConfiguration, d.name)
		}
	}
	if c.ResumeMaxAttempts < 1 {
		return fmt.Errorf("%w: resume attempts must be >= 1, got %d", ErrInvalidConfiguration, c.ResumeMaxAttempts)
	}
	if c.ResumeBackoff < 0 {
		return fmt.Errorf("%w: resume backoff must be >= 0", ErrInvalidConfiguration)
	}
	return nil
}

// Deps are the orchestrator's external collaborators.
type Deps struct {
	Printer  Commander
	Events   EventSource
	Camera   Camera
	Store    *storage.Store
	Index    RecordSink // optional
	Notifier Notifier   // optional, defaults to LogNotifier
}

// Orchestrator runs capture sessions: it reacts to layer triggers and
// drives the pause -> move/settle/capture -> return -> resume sequence
// against the printer, applying timeouts and the resume retry policy.
//
// At most one session is active at a time; triggers arriving while a
// session runs are dropped, not queued. The orchestrator is the sole
// writer to the printer command channel while a session is active.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu           sync.Mutex
	tracker      *LayerTracker
	job          JobIdentity
	active       *Session
	cancelActive context.CancelFunc
	lastRecord   *SessionRecord

	wg sync.WaitGroup
}

// New creates an Orchestrator after validating the configuration.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Printer == nil || deps.Events == nil || deps.Camera == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: printer, events, camera and store are required", ErrInvalidConfiguration)
	}
	if deps.Notifier == nil {
		deps.Notifier = LogNotifier{}
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		tracker: NewLayerTracker(cfg.Trigger),
	}, nil
}

// SetJob records the identity of the print job now running and resets
// layer tracking for it.
func (o *Orchestrator) SetJob(job JobIdentity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.job = job
	o.tracker.Reset()
	log.Printf("[Orchestrator] tracking job %q", job.GcodeFile)
}

// HandleEvent processes one printer event from the daemon's event pump.
// Z and layer changes feed the trigger rule; a matching layer starts a
// session unless one is already active.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev printer.Event) {
	var layer int
	var fire bool
	var zHeight float64

	o.mu.Lock()
	switch ev.Kind {
	case printer.EventZChange:
		layer, fire = o.tracker.ObserveZ(ev.Z)
		zHeight = ev.Z
	case printer.EventLayerChange:
		layer, fire = o.tracker.ObserveLayer(ev.Layer)
		zHeight = float64(ev.Layer) * o.cfg.Trigger.MinLayerHeight
	default:
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if !fire {
		return
	}
	if err := o.StartSession(ctx, layer, zHeight); err != nil {
		log.Printf("[Orchestrator] trigger for layer %d dropped: %v", layer, err)
	}
}

// StartSession begins a capture session for the given layer. It returns
// ErrSessionActive when a session is already running; concurrent triggers
// are dropped rather than queued.
func (o *Orchestrator) StartSession(ctx context.Context, layer int, zHeight float64) error {
	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return fmt.Errorf("%w (layer %d)", ErrSessionActive, o.active.Layer)
	}
	s := NewSession(layer, zHeight, o.job)
	sctx, cancel := context.WithCancel(ctx)
	o.active = s
	o.cancelActive = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	log.Printf("[Orchestrator] starting capture session %s for layer %d at Z=%.2f", s.ID, layer, zHeight)
	go o.run(sctx, s)
	return nil
}

// AbortActive cancels the running session, if any. The session still
// attempts a best-effort resume and flushes its partial record.
func (o *Orchestrator) AbortActive() bool {
	o.mu.Lock()
	cancel := o.cancelActive
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Wait blocks until any in-flight session has finished flushing.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drives one session from trigger to flushed record.
func (o *Orchestrator) run(ctx context.Context, s *Session) {
	defer o.wg.Done()

	subID, events := o.deps.Events.Events()
	defer o.deps.Events.UnsubscribeEvents(subID)

	o.deps.Notifier.Notify(Notification{
		Type: NotifySessionStart, SessionID: s.ID, Layer: s.Layer, Time: time.Now(),
	})

	outcome, reason := o.execute(ctx, s, events)

	o.mu.Lock()
	s.Status = outcome
	s.AbortReason = reason
	o.mu.Unlock()

	rec := Finalize(s, outcome, reason, o.cfg.Grid)
	o.flush(s, rec)

	o.mu.Lock()
	o.active = nil
	o.cancelActive = nil
	o.lastRecord = &rec
	o.mu.Unlock()
}

// execute performs the pause/move/capture/resume sequence and returns the
// session's terminal status. Every wait is bounded; silence from the
// printer is never treated as success.
func (o *Orchestrator) execute(ctx context.Context, s *Session, events <-chan printer.Event) (Status, AbortReason) {
	// Pause and wait for the firmware to confirm. Without confirmation no
	// motion command is ever issued.
	if err := o.deps.Printer.SendPause(); err != nil {
		log.Printf("[Orchestrator] session %s: pause command failed: %v", s.ID, err)
		return StatusAborted, AbortPauseTimeout
	}
	if _, err := awaitEvent(ctx, events, printer.EventPaused, o.cfg.PauseTimeout, nil); err != nil {
		if ctx.Err() != nil {
			return o.abortCancelled(s)
		}
		log.Printf("[Orchestrator] session %s: no pause confirmation within %s", s.ID, o.cfg.PauseTimeout)
		return StatusAborted, AbortPauseTimeout
	}
	o.setStatus(s, StatusPaused)

	// Snapshot the head position so we can put it back before resuming.
	// An unknown origin only disables the return move, never the session.
	var origin *printer.Event
	if o.cfg.ReturnToOrigin {
		if err := o.deps.Printer.RequestPosition(); err == nil {
			if ev, err := awaitEvent(ctx, events, printer.EventPositionReached, o.cfg.MoveTimeout, nil); err == nil {
				origin = &ev
			} else if ctx.Err() != nil {
				return o.abortCancelled(s)
			} else {
				log.Printf("[Orchestrator] session %s: origin position unknown, return-to-origin disabled", s.ID)
			}
		}
	}

	o.mu.Lock()
	s.Positions = Plan(o.cfg.Grid, o.cfg.Limits, s.ZHeight)
	o.mu.Unlock()

	for i, pos := range s.Positions {
		if ctx.Err() != nil {
			return o.abortCancelled(s)
		}

		o.mu.Lock()
		s.NextIndex = i + 1
		o.mu.Unlock()

		// Boundary check before any motion command. Unsafe positions stay
		// in the plan (previews show them) but are never visited.
		if !pos.Safe || !o.cfg.Limits.Safe(pos.X, pos.Y, pos.Z) {
			o.recordFailure(s, pos, i, FailureUnsafe, "outside bed boundaries")
			continue
		}

		o.setStatus(s, StatusMoving)
		if err := o.deps.Printer.SendMove(pos.X, pos.Y, pos.Z, o.cfg.Feedrate); err != nil {
			o.recordFailure(s, pos, i, FailureMovementTimeout, err.Error())
			continue
		}

		// Movement timeouts are not retried: skipping bounds the total
		// pause duration, and partial data is acceptable.
		if _, err := awaitEvent(ctx, events, printer.EventPositionReached, o.cfg.MoveTimeout, matchPosition(pos)); err != nil {
			if ctx.Err() != nil {
				return o.abortCancelled(s)
			}
			o.recordFailure(s, pos, i, FailureMovementTimeout,
				fmt.Sprintf("no position confirmation within %s", o.cfg.MoveTimeout))
			continue
		}

		// Fixed settle delay for mechanical vibration, no external signal.
		if !sleepCtx(ctx, o.cfg.SettleDelay) {
			return o.abortCancelled(s)
		}

		o.setStatus(s, StatusCapturing)
		imagePath, err := o.deps.Store.ImagePath(s.StartedAt, s.Layer, i)
		if err != nil {
			o.recordFailure(s, pos, i, FailureCapture, err.Error())
			continue
		}
		if err := o.deps.Camera.Capture(ctx, imagePath); err != nil {
			if ctx.Err() != nil {
				return o.abortCancelled(s)
			}
			o.recordFailure(s, pos, i, FailureCapture, err.Error())
			continue
		}

		o.mu.Lock()
		s.AddImage(ImageRecord{
			Path:       imagePath,
			Position:   Point{X: pos.X, Y: pos.Y, Z: pos.Z},
			Index:      i,
			CapturedAt: UnixTime(time.Now()),
		})
		o.mu.Unlock()
	}

	if o.cfg.ReturnToOrigin && origin != nil {
		o.setStatus(s, StatusReturning)
		if err := o.deps.Printer.SendMove(origin.X, origin.Y, origin.Z, o.cfg.Feedrate); err != nil {
			log.Printf("[Orchestrator] session %s: return move failed: %v", s.ID, err)
		} else if _, err := awaitEvent(ctx, events, printer.EventPositionReached, o.cfg.MoveTimeout, nil); err != nil {
			if ctx.Err() != nil {
				return o.abortCancelled(s)
			}
			log.Printf("[Orchestrator] session %s: return move unconfirmed, resuming anyway", s.ID)
		}
	}

	o.setStatus(s, StatusResuming)
	if !o.tryResume(ctx, s, events) {
		if ctx.Err() != nil {
			return StatusAborted, AbortCancelled
		}
		return StatusAborted, AbortResumeFailed
	}

	return StatusCompleted, AbortNone
}

// tryResume issues resume commands until one is confirmed or the attempt
// budget is exhausted. An unresumed print is the worst failure mode, so
// this is the one operation that is retried.
func (o *Orchestrator) tryResume(ctx context.Context, s *Session, events <-chan printer.Event) bool {
	for attempt := 1; attempt <= o.cfg.ResumeMaxAttempts; attempt++ {
		if err := o.deps.Printer.SendResume(); err != nil {
			log.Printf("[Orchestrator] session %s: resume attempt %d/%d failed to send: %v",
				s.ID, attempt, o.cfg.ResumeMaxAttempts, err)
		} else if _, err := awaitEvent(ctx, events, printer.EventResumed, o.cfg.ResumeTimeout, nil); err == nil {
			return true
		} else if ctx.Err() != nil {
			return false
		} else {
			log.Printf("[Orchestrator] session %s: resume attempt %d/%d unconfirmed within %s",
				s.ID, attempt, o.cfg.ResumeMaxAttempts, o.cfg.ResumeTimeout)
		}

		if attempt < o.cfg.ResumeMaxAttempts {
			if !sleepCtx(ctx, o.cfg.ResumeBackoff) {
				return false
			}
		}
	}
	return false
}

// abortCancelled handles an external cancellation: best-effort resume on
// a fresh deadline (the printer must not stay paused), then Aborted.
func (o *Orchestrator) abortCancelled(s *Session) (Status, AbortReason) {
	log.Printf("[Orchestrator] session %s cancelled, attempting best-effort resume", s.ID)

	rctx, cancel := context.WithTimeout(context.Background(), o.cfg.ResumeTimeout)
	defer cancel()

	subID, events := o.deps.Events.Events()
	defer o.deps.Events.UnsubscribeEvents(subID)

	if err := o.deps.Printer.SendResume(); err != nil {
		log.Printf("[Orchestrator] session %s: best-effort resume failed to send: %v", s.ID, err)
	} else if _, err := awaitEvent(rctx, events, printer.EventResumed, o.cfg.ResumeTimeout, nil); err != nil {
		log.Printf("[Orchestrator] session %s: best-effort resume unconfirmed", s.ID)
	}

	return StatusAborted, AbortCancelled
}

// flush persists and announces a finished session. A resume failure does
// not discard work already done: the partial record is still written.
func (o *Orchestrator) flush(s *Session, rec SessionRecord) {
	var recordPath string
	if o.cfg.SaveMetadata {
		data, err := rec.Marshal()
		if err != nil {
			log.Printf("[Orchestrator] session %s: %v", s.ID, err)
		} else if recordPath, err = o.deps.Store.RecordPath(s.StartedAt, s.Layer); err != nil {
			log.Printf("[Orchestrator] session %s: record path: %v", s.ID, err)
		} else if err := o.deps.Store.WriteRecord(recordPath, data); err != nil {
			log.Printf("[Orchestrator] session %s: write record: %v", s.ID, err)
		}
	}

	if o.deps.Index != nil {
		if err := o.deps.Index.RecordSession(rec, recordPath); err != nil {
			log.Printf("[Orchestrator] session %s: index record: %v", s.ID, err)
		}
	}

	if rec.Outcome == string(StatusCompleted) {
		log.Printf("[Orchestrator] session %s completed: %d images, %d skipped",
			s.ID, len(rec.Images), len(rec.Skipped))
		o.deps.Notifier.Notify(Notification{
			Type: NotifySessionComplete, SessionID: s.ID, Layer: s.Layer,
			ImageCount: len(rec.Images), Time: time.Now(),
		})
		return
	}

	log.Printf("[Orchestrator] session %s aborted (%s): %d images flushed",
		s.ID, rec.AbortReason, len(rec.Images))
	o.deps.Notifier.Notify(Notification{
		Type: NotifySessionFailed, SessionID: s.ID, Layer: s.Layer,
		ImageCount: len(rec.Images), Reason: rec.AbortReason, Time: time.Now(),
	})
}

func (o *Orchestrator) setStatus(s *Session, status Status) {
	o.mu.Lock()
	s.Status = status
	o.mu.Unlock()
}

func (o *Orchestrator) recordFailure(s *Session, pos GridPosition, index int, kind FailureKind, detail string) {
	log.Printf("[Orchestrator] session %s position %d (%.1f, %.1f, %.1f): %s: %s",
		s.ID, index, pos.X, pos.Y, pos.Z, kind, detail)
	o.mu.Lock()
	s.AddFailure(pos, index, kind, detail)
	o.mu.Unlock()
	o.deps.Notifier.Notify(Notification{
		Type: NotifyPositionFailed, SessionID: s.ID, Layer: s.Layer,
		Reason: fmt.Sprintf("position %d: %s", index, kind), Time: time.Now(),
	})
}

// StatusInfo is a point-in-time view of the orchestrator for the API.
type StatusInfo struct {
	State        string  `json:"state"`
	CurrentLayer int     `json:"current_layer"`
	SessionID    string  `json:"session_id,omitempty"`
	SessionLayer int     `json:"session_layer,omitempty"`
	ZHeight      float64 `json:"z_height,omitempty"`
	ImageCount   int     `json:"image_count,omitempty"`
	Planned      int     `json:"planned_positions,omitempty"`
	NextIndex    int     `json:"next_position,omitempty"`
}

// Status reports the orchestrator's current state.
func (o *Orchestrator) Status() StatusInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	info := StatusInfo{State: "idle", CurrentLayer: o.tracker.CurrentLayer()}
	if o.active != nil {
		info.State = string(o.active.Status)
		info.SessionID = o.active.ID
		info.SessionLayer = o.active.Layer
		info.ZHeight = o.active.ZHeight
		info.ImageCount = len(o.active.Images)
		info.Planned = len(o.active.Positions)
		info.NextIndex = o.active.NextIndex
	}
	return info
}

// LastRecord returns the most recently flushed session record, if any.
func (o *Orchestrator) LastRecord() *SessionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRecord
}

// CurrentLayer returns the highest layer observed in the running job.
func (o *Orchestrator) CurrentLayer() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.CurrentLayer()
}

// awaitEvent waits for the next event of the given kind, optionally
// filtered by match, within the timeout. It returns ctx.Err() on
// cancellation and ErrWaitTimeout when the printer stays silent.
func awaitEvent(ctx context.Context, events <-chan printer.Event, kind printer.EventKind, timeout time.Duration, match func(printer.Event) bool) (printer.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return printer.Event{}, ctx.Err()
		case <-timer.C:
			return printer.Event{}, ErrWaitTimeout
		case ev, ok := <-events:
			if !ok {
				return printer.Event{}, fmt.Errorf("%w: event stream closed", ErrWaitTimeout)
			}
			if ev.Kind != kind {
				continue
			}
			if match != nil && !match(ev) {
				continue
			}
			return ev, nil
		}
	}
}

// matchPosition accepts position reports within tolerance of the target,
// so a stale report from an earlier move cannot confirm this one.
func matchPosition(pos GridPosition) func(printer.Event) bool {
	return func(ev printer.Event) bool {
		return math.Abs(ev.X-pos.X) <= positionTolerance &&
			math.Abs(ev.Y-pos.Y) <= positionTolerance &&
			math.Abs(ev.Z-pos.Z) <= positionTolerance
	}
}

// sleepCtx waits for the duration unless the context is cancelled first.
// Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
