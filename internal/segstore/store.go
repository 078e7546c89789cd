// Package segstore owns the directory that the transcoder writes HLS output
// into and the HTTP server reads it from.
package segstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ManifestName is the playlist file the transcoder rewrites in place.
const ManifestName = "stream.m3u8"

// SegmentPattern is the ffmpeg segment filename template inside the store.
const SegmentPattern = "stream%d.ts"

// ErrStoreUnavailable is returned when the backing directory cannot be
// created, enumerated or cleaned.
var ErrStoreUnavailable = errors.New("segment store unavailable")

// Store is a flat directory of segments plus one manifest. It has a single
// writer (the running transcoder) and any number of readers, so it keeps no
// in-memory state and needs no locking.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. Nothing is touched on disk until Reset.
func New(dir string) *Store {
	return &Store{dir: filepath.Clean(dir)}
}

// Path returns the directory used as transcoder output target and HTTP root.
func (s *Store) Path() string {
	return s.dir
}

// ManifestPath returns the absolute-or-relative path of the live manifest.
func (s *Store) ManifestPath() string {
	return filepath.Join(s.dir, ManifestName)
}

// Reset ensures the directory exists and removes every regular file directly
// inside it. Subdirectories and symlinks are left alone.
func (s *Store) Reset() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStoreUnavailable, s.dir, err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, s.dir, err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", ErrStoreUnavailable, e.Name(), err)
		}
	}
	return nil
}

// List returns the names of the regular files currently in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadManifest parses the current manifest. os.ErrNotExist is returned
// (wrapped) while no transcoder has produced one yet.
func (s *Store) ReadManifest() (Manifest, error) {
	f, err := os.Open(s.ManifestPath())
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	return ParseManifest(f)
}
