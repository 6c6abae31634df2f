// Package recorder drives one voice recording session at a time, from the
// permission prompt to handing a stable audio file to the message sender.
//
// States: idle -> preparing -> recording <-> paused -> sending -> idle.
// Cancel moves preparing, recording or paused straight back to idle. The
// recording audio mode is reset exactly once per session that configured it,
// on whichever exit path comes first.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"chatpipe/internal/localfs"
	"chatpipe/internal/logging"
	"chatpipe/internal/message"
	"chatpipe/internal/metrics"
)

// Options configures a Recorder.
type Options struct {
	Device    Device
	Finalizer Finalizer
	Files     FileSystem
	Sender    VoiceSender

	// RecordingsDir receives the stable copy of each recording.
	RecordingsDir string
	// FileExtension names stable copies when the capture file has none.
	FileExtension string
	// Tick is the elapsed counter period.
	Tick time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   clock.Clock
}

// session is one recording from Start to its exit.
type session struct {
	id         string
	elapsed    int
	captureURI string
	stableURI  string

	configured     bool
	captureStopped bool
	pending        pendingAction

	stopTick chan struct{}
	release  sync.Once
}

// Recorder is the voice recording state machine. It is safe for concurrent use.
type Recorder struct {
	opts   Options
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	current  *session
	starting *session
	closed   bool

	obsMu     sync.Mutex
	observers map[int]func(Event)
	nextObs   int

	cleanup sync.WaitGroup
}

// New creates an idle Recorder.
func New(opts Options) (*Recorder, error) {
	if opts.Device == nil || opts.Finalizer == nil || opts.Sender == nil {
		return nil, fmt.Errorf("recorder: device, finalizer and sender are required")
	}
	if opts.RecordingsDir == "" {
		return nil, fmt.Errorf("recorder: recordings directory is required")
	}
	if opts.Files == nil {
		opts.Files = localfs.New()
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.FileExtension == "" {
		opts.FileExtension = ".m4a"
	}

	r := &Recorder{
		opts:      opts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		state:     StateIdle,
		observers: make(map[int]func(Event)),
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.logger == nil {
		r.logger = logging.Component("recorder")
	}
	return r, nil
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns the recorded seconds of the current session.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.current.elapsed
}

// Subscribe registers fn for recorder events. The returned function
// unregisters it.
func (r *Recorder) Subscribe(fn func(Event)) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

// Start asks for microphone permission and begins capture. It reports
// whether recording started. A denied permission returns false with no other
// effect. On a closed recorder an EventFailed carrying ErrClosed is emitted.
func (r *Recorder) Start(ctx context.Context) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.emit(Event{Type: EventFailed, State: StateIdle, Err: ErrClosed})
		return false
	}
	if r.state != StateIdle || r.starting != nil {
		r.mu.Unlock()
		return false
	}
	s := &session{id: uuid.NewString()}
	r.current = s
	r.starting = s
	r.state = StatePreparing
	r.mu.Unlock()
	r.emit(Event{Type: EventStateChanged, State: StatePreparing})

	log := r.logger.With("session", s.id)

	granted, err := r.opts.Device.RequestPermission(ctx)
	if err == nil && !granted {
		err = ErrPermissionDenied
	}
	if err != nil {
		r.abortStart(s, err)
		return false
	}
	if r.takeCancel(s) {
		r.finishCancelledStart(s)
		return false
	}

	s.configured = true
	if err := r.opts.Device.ConfigureSession(ctx, ModeRecording); err != nil {
		r.abortStart(s, fmt.Errorf("configure audio session: %w", err))
		return false
	}
	if r.takeCancel(s) {
		r.finishCancelledStart(s)
		return false
	}

	if err := r.opts.Device.StartCapture(ctx); err != nil {
		r.abortStart(s, fmt.Errorf("start capture: %w", err))
		return false
	}
	s.captureURI = r.opts.Device.FileURI()

	r.mu.Lock()
	r.starting = nil
	if s.pending == pendingCancel {
		s.pending = pendingNone
		r.mu.Unlock()
		r.teardown(s)
		r.endSession(s)
		return false
	}
	r.state = StateRecording
	r.startTicker(s)
	r.mu.Unlock()

	log.Info("recording started", "file", s.captureURI)
	r.emit(Event{Type: EventStateChanged, State: StateRecording})
	return true
}

// Pause stops capture and the counter. Only valid while recording.
func (r *Recorder) Pause() bool {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return false
	}
	if err := r.opts.Device.PauseCapture(); err != nil {
		r.mu.Unlock()
		r.logger.Warn("pause capture failed", "error", err)
		return false
	}
	r.stopTicker(r.current)
	r.state = StatePaused
	elapsed := r.current.elapsed
	r.mu.Unlock()

	r.emit(Event{Type: EventStateChanged, State: StatePaused, Elapsed: elapsed})
	return true
}

// Resume restarts capture and the counter. Only valid while paused and only
// while the device still holds the capture.
func (r *Recorder) Resume() bool {
	r.mu.Lock()
	if r.state != StatePaused || r.current.captureStopped {
		r.mu.Unlock()
		return false
	}
	if err := r.opts.Device.ResumeCapture(); err != nil {
		r.mu.Unlock()
		r.logger.Warn("resume capture failed", "error", err)
		return false
	}
	r.state = StateRecording
	r.startTicker(r.current)
	elapsed := r.current.elapsed
	r.mu.Unlock()

	r.emit(Event{Type: EventStateChanged, State: StateRecording, Elapsed: elapsed})
	return true
}

// Cancel abandons the session and returns at once. Capture is stopped and
// the files are removed in the background.
func (r *Recorder) Cancel() bool {
	r.mu.Lock()
	s := r.current
	switch r.state {
	case StatePreparing:
		// Start owns the device until its call returns.
		s.pending = pendingCancel
	case StateRecording, StatePaused:
		r.stopTicker(s)
	default:
		r.mu.Unlock()
		return false
	}
	elapsed := s.elapsed
	wasPreparing := r.state == StatePreparing
	r.current = nil
	r.state = StateIdle
	r.mu.Unlock()

	r.logger.Info("recording cancelled", "session", s.id, "elapsed", elapsed)
	r.opts.Metrics.RecordingFinished(metrics.RecordingCancelled, elapsed)
	r.emit(Event{Type: EventStateChanged, State: StateIdle})
	r.emit(Event{Type: EventCancelled, State: StateIdle, Elapsed: elapsed})

	if !wasPreparing {
		r.cleanup.Add(1)
		go func() {
			defer r.cleanup.Done()
			r.teardown(s)
		}()
	}
	return true
}

// Send stops capture, waits for the file to be finalized, copies it to the
// recordings directory and hands it to the sender. It reports whether the
// message was delivered. With nothing recorded it is a no-op.
//
// A failure before the hand-off, or a sender that refuses the recording,
// returns the session to paused so Send can be tried again. Once the sender
// takes the file the session ends either way; a failed delivery shows up as a
// failed message that keeps the file.
func (r *Recorder) Send(ctx context.Context) bool {
	r.mu.Lock()
	if r.state != StateRecording && r.state != StatePaused {
		r.mu.Unlock()
		return false
	}
	s := r.current
	if s.elapsed == 0 {
		r.mu.Unlock()
		return false
	}
	r.stopTicker(s)
	r.state = StateSending
	s.pending = pendingSend
	stopCapture := !s.captureStopped
	s.captureStopped = true
	elapsed := s.elapsed
	r.mu.Unlock()
	r.emit(Event{Type: EventStateChanged, State: StateSending, Elapsed: elapsed})

	log := r.logger.With("session", s.id)

	if stopCapture {
		if err := r.opts.Device.StopCapture(); err != nil {
			log.Warn("stop capture failed", "error", err)
		}
		r.releaseAudio(s)
	}

	if s.stableURI == "" {
		stable, err := r.finalize(ctx, s)
		if err != nil {
			r.failBeforeHandoff(s, err)
			return false
		}
		s.stableURI = stable
	}

	r.mu.Lock()
	action := s.pending
	s.pending = pendingNone
	r.mu.Unlock()
	if action == pendingCancel {
		log.Info("send abandoned", "pending", action)
		r.deleteFile(s.stableURI)
		r.endSession(s)
		return false
	}

	log.Info("handing off recording", "file", s.stableURI, "elapsed", elapsed)
	ok, err := r.opts.Sender.SubmitVoice(ctx, s.stableURI, elapsed)
	if err != nil {
		r.failBeforeHandoff(s, fmt.Errorf("%w: %w", ErrHandOffRefused, err))
		return false
	}

	outcome := metrics.RecordingSent
	if !ok {
		outcome = metrics.RecordingFailed
	}
	r.opts.Metrics.RecordingFinished(outcome, elapsed)
	r.endSession(s)
	return ok
}

// Close tears down the recorder. A session in progress is cancelled and its
// audio mode released before Close returns.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	s := r.current
	state := r.state
	switch state {
	case StatePreparing, StateSending:
		s.pending = pendingCancel
	case StateRecording, StatePaused:
		r.stopTicker(s)
		r.current = nil
		r.state = StateIdle
	}
	r.mu.Unlock()

	if state == StateRecording || state == StatePaused {
		r.logger.Info("recorder closed mid-session", "session", s.id, "state", state)
		r.teardown(s)
		r.emit(Event{Type: EventStateChanged, State: StateIdle})
	}
	r.cleanup.Wait()
	return nil
}

// finalize waits for the capture file and copies it to an owned location.
func (r *Recorder) finalize(ctx context.Context, s *session) (string, error) {
	capture := localfs.PathFromURI(s.captureURI)
	if capture == "" {
		return "", fmt.Errorf("%w: device reported no file", ErrFinalizationTimeout)
	}

	start := r.clock.Now()
	_, err := r.opts.Finalizer.WaitReady(ctx, capture)
	r.opts.Metrics.FinalizeWaited(r.clock.Since(start))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFinalizationTimeout, err)
	}

	ext := filepath.Ext(capture)
	if ext == "" {
		ext = r.opts.FileExtension
	}
	stable := filepath.Join(r.opts.RecordingsDir, uuid.NewString()+ext)
	if err := r.opts.Files.Copy(capture, stable); err != nil {
		return "", &message.SendFailure{Stage: message.StagePrepare, Err: fmt.Errorf("copy recording: %w", err)}
	}
	// The device owns its temp file; removing it early is only tidiness.
	r.deleteFile(capture)
	return stable, nil
}

// failBeforeHandoff returns the session to paused, unless a cancel arrived
// while the send was in flight.
func (r *Recorder) failBeforeHandoff(s *session, err error) {
	r.mu.Lock()
	action := s.pending
	s.pending = pendingNone
	elapsed := s.elapsed
	if action != pendingCancel && r.current == s {
		r.state = StatePaused
	}
	r.mu.Unlock()

	r.logger.Warn("recording send failed", "session", s.id, "pending", action, "error", err)
	r.opts.Metrics.RecordingFinished(metrics.RecordingFailed, elapsed)

	if action == pendingCancel {
		r.teardown(s)
		r.endSession(s)
		return
	}
	r.emit(Event{Type: EventFailed, State: StatePaused, Elapsed: elapsed, Err: err})
	r.emit(Event{Type: EventStateChanged, State: StatePaused, Elapsed: elapsed})
}

// abortStart ends a session that never reached recording.
func (r *Recorder) abortStart(s *session, cause error) {
	r.mu.Lock()
	r.starting = nil
	cancelled := s.pending == pendingCancel
	s.pending = pendingNone
	if r.current == s {
		r.current = nil
		r.state = StateIdle
	}
	r.mu.Unlock()

	r.releaseAudio(s)
	if cancelled {
		return
	}

	if errors.Is(cause, ErrPermissionDenied) {
		r.logger.Info("microphone permission denied", "session", s.id)
		r.opts.Metrics.RecordingFinished(metrics.RecordingDenied, 0)
	} else {
		r.logger.Warn("recording start failed", "session", s.id, "error", cause)
		r.opts.Metrics.RecordingFinished(metrics.RecordingFailed, 0)
	}
	r.emit(Event{Type: EventFailed, State: StateIdle, Err: cause})
	r.emit(Event{Type: EventStateChanged, State: StateIdle})
}

// finishCancelledStart cleans up after a cancel that arrived during preparing.
func (r *Recorder) finishCancelledStart(s *session) {
	r.mu.Lock()
	r.starting = nil
	r.mu.Unlock()
	r.releaseAudio(s)
	r.endSession(s)
}

func (r *Recorder) takeCancel(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.pending == pendingCancel {
		s.pending = pendingNone
		return true
	}
	return false
}

// endSession returns the recorder to idle if s is still current.
func (r *Recorder) endSession(s *session) {
	r.mu.Lock()
	ended := r.current == s
	if ended {
		r.current = nil
		r.state = StateIdle
	}
	r.mu.Unlock()
	if ended {
		r.emit(Event{Type: EventStateChanged, State: StateIdle})
	}
}

// teardown stops capture, removes the session files and releases audio.
func (r *Recorder) teardown(s *session) {
	if !s.captureStopped && r.opts.Device.IsCapturing() {
		if err := r.opts.Device.StopCapture(); err != nil {
			r.logger.Warn("stop capture failed", "session", s.id, "error", err)
		}
	}
	s.captureStopped = true
	r.deleteFile(s.captureURI)
	r.deleteFile(s.stableURI)
	r.releaseAudio(s)
}

// releaseAudio resets the audio mode once per configured session.
func (r *Recorder) releaseAudio(s *session) {
	if !s.configured {
		return
	}
	s.release.Do(func() {
		if err := r.opts.Device.ConfigureSession(context.Background(), ModePlayback); err != nil {
			cerr := &message.CleanupError{Op: "reset audio mode", Err: err}
			r.opts.Metrics.CleanupFailed("audio_mode")
			r.logger.Warn("cleanup failed", "session", s.id, "error", cerr)
		}
	})
}

func (r *Recorder) deleteFile(uri string) {
	if uri == "" {
		return
	}
	path := localfs.PathFromURI(uri)
	if err := r.opts.Files.Delete(path); err != nil {
		cerr := &message.CleanupError{Op: "delete", Path: path, Err: err}
		r.opts.Metrics.CleanupFailed("delete")
		r.logger.Warn("cleanup failed", "error", cerr)
	}
}

// startTicker counts elapsed seconds while recording. Caller holds r.mu.
func (r *Recorder) startTicker(s *session) {
	stop := make(chan struct{})
	s.stopTick = stop
	ticker := r.clock.Ticker(r.opts.Tick)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				if r.current != s || r.state != StateRecording || s.stopTick != stop {
					r.mu.Unlock()
					return
				}
				s.elapsed++
				elapsed := s.elapsed
				r.mu.Unlock()
				r.emit(Event{Type: EventTick, State: StateRecording, Elapsed: elapsed})
			}
		}
	}()
}

// stopTicker stops the elapsed counter. Caller holds r.mu.
func (r *Recorder) stopTicker(s *session) {
	if s == nil || s.stopTick == nil {
		return
	}
	close(s.stopTick)
	s.stopTick = nil
}

func (r *Recorder) emit(ev Event) {
	r.obsMu.Lock()
	fns := make([]func(Event), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
