// Package localfs implements the device file system used by the engine and the
// recorder: existence checks, atomic copies and best-effort deletion.
package localfs

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File permission constants
const (
	// PermFile is the permission for recordings and the outbox database.
	PermFile os.FileMode = 0600

	// PermDir is the permission for the data and recordings directories.
	PermDir os.FileMode = 0700
)

var (
	ErrInvalidPath = errors.New("localfs: invalid path")
	ErrNullByte    = errors.New("localfs: null byte in path")
	ErrNotRegular  = errors.New("localfs: not a regular file")
	ErrLocked      = errors.New("localfs: lock held by another process")
)

// FS is the local file system. The zero value is ready to use.
type FS struct{}

// New returns an FS.
func New() *FS { return &FS{} }

// Exists reports whether path names a regular file and its size.
func (FS) Exists(path string) (bool, int64, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return false, 0, err
	}
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	if !info.Mode().IsRegular() {
		return false, 0, fmt.Errorf("%w: %s", ErrNotRegular, clean)
	}
	return true, info.Size(), nil
}

// ReadFile reads the whole file at path.
func (FS) ReadFile(path string) ([]byte, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(clean)
}

// Copy copies src to dst atomically. The destination directory is created if
// missing and dst only appears once its contents are synced.
func (FS) Copy(src, dst string) error {
	srcPath, err := cleanPath(src)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	dstPath, err := cleanPath(dst)
	if err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	w, err := newAtomicWriter(dstPath, PermFile)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.abort()
		return err
	}
	return w.commit()
}

// WriteFile writes data to path atomically.
func (FS) WriteFile(path string, data []byte) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	w, err := newAtomicWriter(clean, PermFile)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.abort()
		return err
	}
	return w.commit()
}

// Delete removes path. A missing file is not an error.
func (FS) Delete(path string) error {
	clean, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnsureDir creates dir with PermDir if it does not exist.
func EnsureDir(dir string) error {
	clean, err := cleanPath(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(clean)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, clean)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(clean, PermDir)
}

// PathFromURI accepts a bare path or a file:// URI.
func PathFromURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func cleanPath(path string) (string, error) {
	path = PathFromURI(path)
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.ContainsRune(path, 0) {
		return "", ErrNullByte
	}
	return filepath.Clean(path), nil
}

type atomicWriter struct {
	path     string
	tempFile *os.File
	tempPath string
}

func newAtomicWriter(path string, perm os.FileMode) (*atomicWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	tempPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &atomicWriter{path: path, tempFile: f, tempPath: tempPath}, nil
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.tempFile.Write(p)
}

func (w *atomicWriter) commit() error {
	if err := w.tempFile.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := w.tempFile.Close(); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (w *atomicWriter) abort() {
	w.tempFile.Close()
	os.Remove(w.tempPath)
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Lock is an exclusive advisory lock on a file in the data directory. It keeps
// two chatctl processes from draining the same outbox.
type Lock struct {
	f *os.File
}

// TryLock acquires the lock at path without blocking.
func TryLock(path string) (*Lock, error) {
	clean, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(clean), PermDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(clean, os.O_RDWR|os.O_CREATE, PermFile)
	if err != nil {
		return nil, err
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockFile(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}
