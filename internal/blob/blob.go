// Package blob stores evidence file content under opaque keys. The engine
// records only the key, size, and digest; it never interprets content.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the content-addressed file store behind evidence versions.
type Store interface {
	// Put writes content under key and returns the byte count and the
	// hex sha256 digest of what was written.
	Put(key string, r io.Reader) (int64, string, error)
	Open(key string) (io.ReadCloser, error)
	Delete(key string) error
}

// FSStore keeps blobs as flat files under a root directory.
type FSStore struct {
	Root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{Root: root}, nil
}

func (s *FSStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.Root, key), nil
}

func (s *FSStore) Put(key string, r io.Reader) (int64, string, error) {
	path, err := s.path(key)
	if err != nil {
		return 0, "", err
	}
	tmp, err := os.CreateTemp(s.Root, ".upload-*")
	if err != nil {
		return 0, "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FSStore) Open(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *FSStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
