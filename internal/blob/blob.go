// Package blob stores uploaded audio under a local root directory.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"chatpipe/internal/localfs"
)

var (
	ErrInvalidPath = errors.New("blob: invalid storage path")
	ErrNotFound    = errors.New("blob: object not found")
)

// Store is a blob store rooted at a directory. Storage paths are slash
// separated and relative to the root.
type Store struct {
	root string
	fs   *localfs.FS
}

// New creates a Store rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob root: %w", err)
	}
	if err := localfs.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: abs, fs: localfs.New()}, nil
}

// VoicePath returns the destination for a voice recording. The name is a
// digest of the audio so repeated uploads of the same file land on the same
// object.
func VoicePath(conversationID, ext string, data []byte) string {
	sum := blake2b.Sum256(data)
	if ext == "" {
		ext = ".m4a"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join("voice", conversationID, hex.EncodeToString(sum[:16])+ext)
}

// Upload writes data to dest and returns the storage path.
func (s *Store) Upload(ctx context.Context, data []byte, dest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, key, err := s.resolve(dest)
	if err != nil {
		return "", err
	}
	if err := s.fs.WriteFile(full, data); err != nil {
		return "", fmt.Errorf("blob: upload %s: %w", dest, err)
	}
	return key, nil
}

// Download reads the object at storagePath.
func (s *Store) Download(ctx context.Context, storagePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, _, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, storagePath)
		}
		return nil, err
	}
	return data, nil
}

// ResolvePlayableURL returns a URL a player can open for storagePath.
func (s *Store) ResolvePlayableURL(storagePath string) (string, error) {
	full, _, err := s.resolve(storagePath)
	if err != nil {
		return "", err
	}
	ok, _, err := s.fs.Exists(full)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, storagePath)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), nil
}

// resolve maps a storage path to a file below the root and returns the
// normalized storage key.
func (s *Store) resolve(storagePath string) (string, string, error) {
	if storagePath == "" || strings.ContainsRune(storagePath, 0) {
		return "", "", ErrInvalidPath
	}
	clean := path.Clean("/" + storagePath)
	if clean == "/" {
		return "", "", ErrInvalidPath
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidPath, storagePath)
	}
	return full, strings.TrimPrefix(clean, "/"), nil
}
