// Package watcher waits for recordings to be finalized on disk. Capture
// devices may report "stopped" before the file is flushed, so the recorder
// asks a Finalizer to wait until the file exists and its size has settled.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"chatpipe/internal/logging"
)

// ErrNotFinalized is returned when the file did not settle within the attempt budget.
var ErrNotFinalized = errors.New("watcher: file not finalized")

// Stater reports whether a path exists and its size.
type Stater interface {
	Exists(path string) (bool, int64, error)
}

// Options configures a Finalizer.
type Options struct {
	// PollInterval is the wait between checks when no fs event arrives.
	PollInterval time.Duration
	// Attempts bounds the number of checks.
	Attempts int
	// MinBytes is the smallest size accepted as a finished recording.
	MinBytes int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultOptions returns the finalization budget used by chatctl.
func DefaultOptions() Options {
	return Options{
		PollInterval: 100 * time.Millisecond,
		Attempts:     30,
		MinBytes:     1,
	}
}

// Finalizer waits for a file to become ready.
type Finalizer struct {
	fs     Stater
	opts   Options
	clock  clock.Clock
	logger *slog.Logger
}

// NewFinalizer creates a Finalizer checking files through fs.
func NewFinalizer(fs Stater, opts Options) *Finalizer {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = def.MinBytes
	}
	f := &Finalizer{fs: fs, opts: opts, clock: opts.Clock, logger: opts.Logger}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = logging.Component("watcher")
	}
	return f
}

// WaitReady blocks until path exists with a size that is at least MinBytes
// and unchanged across two consecutive checks with no write in between. It
// returns the final size.
func (f *Finalizer) WaitReady(ctx context.Context, path string) (int64, error) {
	path = filepath.Clean(path)

	// A write event restarts the stability check; polling alone still
	// terminates when no watcher is available.
	var events <-chan fsnotify.Event
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fw.Close()
		if err := fw.Add(filepath.Dir(path)); err != nil {
			f.logger.Debug("watch directory failed, polling only", "path", path, "error", err)
		} else {
			events = fw.Events
		}
	}

	lastSize := int64(-1)
	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		ok, size, err := f.fs.Exists(path)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		if ok && size >= f.opts.MinBytes && size == lastSize {
			f.logger.Debug("file finalized", "path", path, "size", size, "attempts", attempt)
			return size, nil
		}
		if ok {
			lastSize = size
		}

		if attempt == f.opts.Attempts {
			break
		}
		if f.wait(ctx, path, events) {
			lastSize = -1
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}

	return 0, fmt.Errorf("%w: %s after %d attempts", ErrNotFinalized, path, f.opts.Attempts)
}

// wait sleeps one full poll interval and reports whether path was written
// meanwhile. A write never ends the wait early.
func (f *Finalizer) wait(ctx context.Context, path string, events <-chan fsnotify.Event) bool {
	timer := f.clock.Timer(f.opts.PollInterval)
	defer timer.Stop()

	written := false
	for {
		select {
		case <-ctx.Done():
			return written
		case <-timer.C:
			return written
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				written = true
			}
		}
	}
}
