package capture

import "errors"

// Sentinel errors for the capture failure taxonomy. Per-position failures
// (movement, camera) are recorded on the session and never abort it;
// pause and resume failures terminate the session in Aborted.
var (
	ErrInvalidConfiguration = errors.New("invalid capture configuration")
	ErrSessionActive        = errors.New("capture session already active")
	ErrWaitTimeout          = errors.New("timed out waiting for printer event")
)

// AbortReason identifies why a session terminated in Aborted. The reason
// is persisted on the session record and surfaced through notifications.
type AbortReason string

const (
	AbortNone         AbortReason = ""
	AbortPauseTimeout AbortReason = "pause_timeout"
	AbortResumeFailed AbortReason = "resume_failed"
	AbortCancelled    AbortReason = "cancelled"
)

// FailureKind classifies a per-position failure.
type FailureKind string

const (
	FailureUnsafe          FailureKind = "unsafe_position"
	FailureMovementTimeout FailureKind = "movement_timeout"
	FailureCapture         FailureKind = "capture_failed"
)
