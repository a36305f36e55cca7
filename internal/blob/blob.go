// Package blob stores structure files by relative key under an upload root.
package blob

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that escape the store root
var ErrInvalidKey = errors.New("invalid blob key")

// Store persists files by opaque relative key
type Store interface {
	Write(key string, r io.Reader) error
	Read(key string) ([]byte, error)
	Exists(key string) bool
	Remove(key string) error
	// LocalPath resolves key to a filesystem path for external programs.
	LocalPath(key string) (string, error)
}

// LocalFS is a Store rooted at a directory on disk
type LocalFS struct {
	Root string
}

func (l LocalFS) resolve(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.Root, clean), nil
}

// Write stores r under key, replacing any previous content. The data is
// written to a sibling temp file first so readers never see partial files.
func (l LocalFS) Write(key string, r io.Reader) error {
	abs, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(abs), ".upload-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l LocalFS) Read(key string) ([]byte, error) {
	abs, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (l LocalFS) Exists(key string) bool {
	abs, err := l.resolve(key)
	if err != nil {
		return false
	}
	st, err := os.Stat(abs)
	return err == nil && st.Mode().IsRegular()
}

// Remove deletes key; removing a missing key is not an error
func (l LocalFS) Remove(key string) error {
	abs, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (l LocalFS) LocalPath(key string) (string, error) {
	return l.resolve(key)
}
