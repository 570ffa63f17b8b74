package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage persists downloaded media. Implementations must be safe for
// concurrent use by multiple workers.
type Storage interface {
	// Put writes content under the given relative path and returns the
	// stored reference.
	Put(path string, data []byte) (string, error)
	// Get reads content back by reference.
	Get(ref string) ([]byte, error)
	// URL returns a servable URL for the reference, or "" when the backend
	// has none.
	URL(ref string) string
	// LocalPath returns an on-disk path for the reference, fetching to a
	// temp file when the backend is remote.
	LocalPath(ref string) (string, error)
}

// DiskStorage stores media under a root directory.
type DiskStorage struct {
	Root    string
	BaseURL string
}

func NewDiskStorage(root, baseURL string) *DiskStorage {
	return &DiskStorage{Root: root, BaseURL: strings.TrimRight(baseURL, "/")}
}

func (d *DiskStorage) Put(path string, data []byte) (string, error) {
	ref := filepath.ToSlash(filepath.Clean(path))
	if strings.HasPrefix(ref, "..") {
		return "", fmt.Errorf("media path escapes root: %s", path)
	}
	full := filepath.Join(d.Root, ref)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (d *DiskStorage) Get(ref string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(ref)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("media ref %s: %w", ref, err)
	}
	return b, err
}

func (d *DiskStorage) URL(ref string) string {
	if d.BaseURL == "" {
		return ""
	}
	return d.BaseURL + "/" + ref
}

func (d *DiskStorage) LocalPath(ref string) (string, error) {
	full := filepath.Join(d.Root, filepath.FromSlash(ref))
	if _, err := os.Stat(full); err != nil {
		return "", err
	}
	return full, nil
}
