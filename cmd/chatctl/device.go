package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"chatpipe/internal/localfs"
	"chatpipe/internal/recorder"
)

// streamDevice captures audio bytes from a reader, such as a pipe from an
// external encoder, into a capture file.
type streamDevice struct {
	src    io.Reader
	dir    string
	ext    string
	logger *slog.Logger

	mu        sync.Mutex
	uri       string
	file      *os.File
	capturing bool
	paused    bool
	eof       chan struct{}
	eofOnce   sync.Once
}

var _ recorder.Device = (*streamDevice)(nil)

func newStreamDevice(src io.Reader, dir, ext string, logger *slog.Logger) *streamDevice {
	return &streamDevice{src: src, dir: dir, ext: ext, logger: logger, eof: make(chan struct{})}
}

// RequestPermission always grants access: the operator chose the source.
func (d *streamDevice) RequestPermission(ctx context.Context) (bool, error) {
	return true, ctx.Err()
}

func (d *streamDevice) ConfigureSession(ctx context.Context, mode recorder.Mode) error {
	d.logger.Debug("audio session configured", "mode", mode)
	return nil
}

func (d *streamDevice) StartCapture(ctx context.Context) error {
	if err := localfs.EnsureDir(d.dir); err != nil {
		return err
	}
	path := filepath.Join(d.dir, "capture-"+uuid.NewString()+d.ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, localfs.PermFile)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.uri = path
	d.file = f
	d.capturing = true
	d.paused = false
	d.mu.Unlock()

	go d.pump()
	return nil
}

func (d *streamDevice) pump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := d.src.Read(buf)

		d.mu.Lock()
		if !d.capturing {
			d.mu.Unlock()
			return
		}
		if n > 0 && !d.paused {
			if _, werr := d.file.Write(buf[:n]); werr != nil {
				d.logger.Warn("capture write failed", "path", d.uri, "error", werr)
			}
		}
		d.mu.Unlock()

		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Warn("capture source failed", "error", err)
			}
			d.eofOnce.Do(func() { close(d.eof) })
			return
		}
	}
}

func (d *streamDevice) PauseCapture() error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

func (d *streamDevice) ResumeCapture() error {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	return nil
}

func (d *streamDevice) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.capturing {
		return nil
	}
	d.capturing = false
	return d.file.Close()
}

func (d *streamDevice) IsCapturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capturing
}

func (d *streamDevice) FileURI() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uri
}

// Done is closed when the source is exhausted.
func (d *streamDevice) Done() <-chan struct{} {
	return d.eof
}
