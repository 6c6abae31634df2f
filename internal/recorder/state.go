package recorder

import (
	"context"
	"errors"
)

// State is the recording session state.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateSending   State = "sending"
)

// Mode is the audio session mode requested from the device.
type Mode string

const (
	ModeRecording Mode = "recording"
	ModePlayback  Mode = "playback"
)

// pendingAction is what the user asked for while an asynchronous step was in
// flight. It is consumed exactly once when that step returns.
type pendingAction int

const (
	pendingNone pendingAction = iota
	pendingSend
	pendingCancel
)

func (p pendingAction) String() string {
	switch p {
	case pendingSend:
		return "send"
	case pendingCancel:
		return "cancel"
	default:
		return "none"
	}
}

var (
	// ErrPermissionDenied is reported when the user refuses microphone access.
	ErrPermissionDenied = errors.New("recorder: microphone permission denied")
	// ErrFinalizationTimeout is reported when the recording never became
	// readable after capture stopped.
	ErrFinalizationTimeout = errors.New("recorder: recording not finalized")
	// ErrHandOffRefused is reported when the sender would not take the
	// recording. The session stays paused with its file kept.
	ErrHandOffRefused = errors.New("recorder: sender refused recording")
	// ErrClosed is reported for operations on a closed recorder.
	ErrClosed = errors.New("recorder: closed")
)

// Device is the audio capture hardware.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	ConfigureSession(ctx context.Context, mode Mode) error
	StartCapture(ctx context.Context) error
	PauseCapture() error
	ResumeCapture() error
	StopCapture() error
	IsCapturing() bool
	// FileURI is where the device writes the current capture.
	FileURI() string
}

// Finalizer waits until a stopped capture is fully written.
type Finalizer interface {
	WaitReady(ctx context.Context, path string) (int64, error)
}

// FileSystem copies and removes recordings.
type FileSystem interface {
	Copy(src, dst string) error
	Delete(path string) error
}

// VoiceSender receives finished recordings. A non-nil error means the
// recording was refused and the file is still the recorder's; otherwise the
// sender owns it and reports whether it was delivered.
type VoiceSender interface {
	SubmitVoice(ctx context.Context, fileURI string, durationSeconds int) (bool, error)
}

// EventType identifies a recorder event.
type EventType int

const (
	// EventStateChanged is emitted on every state transition.
	EventStateChanged EventType = iota
	// EventTick is emitted when the elapsed counter advances.
	EventTick
	// EventCancelled is emitted once a session is cancelled.
	EventCancelled
	// EventFailed is emitted when a step fails. Err holds the cause.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventTick:
		return "tick"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type    EventType
	State   State
	Elapsed int
	Err     error
}
