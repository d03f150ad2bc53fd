// Package store implements the Persistence Store (C8): a key/value store
// over a filesystem tree, addressed by the same virtual absolute paths the
// mudlib uses for objects. Writes are atomic (temp file + rename), grounded
// on the attachment store's local-provider write path in the wider example
// pack — read failures distinguish "key absent" (a normal, expected
// sentinel) from "key present but malformed" (a typed LoadFailure error).
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jasona/mudforge-sub002/internal/errs"
)

// FileInfo is the subset of os.FileInfo the bridge's fileStat surface
// exposes to mudlib code.
type FileInfo struct {
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Store persists blobs under root, keyed by virtual absolute paths like
// "/players/anna.json" or "/areas/valdoria/room1.js".
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if absent.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.LoadFailuref(err, "create store root %s", root)
	}
	return &Store{root: filepath.Clean(root)}, nil
}

// Root returns the filesystem directory backing the store.
func (s *Store) Root() string { return s.root }

// resolve maps a virtual absolute key to a path on disk, rejecting any key
// that would escape root.
func (s *Store) resolve(key string) (string, error) {
	if !strings.HasPrefix(key, "/") {
		return "", errs.ValidationErrorf("store key must be absolute: %q", key)
	}
	clean := filepath.Clean(key)
	full := filepath.Join(s.root, clean)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", errs.ValidationErrorf("store key escapes root: %q", key)
	}
	return full, nil
}

// MakeDir ensures a directory exists at key. If recursive is false, the
// parent directory must already exist.
func (s *Store) MakeDir(key string, recursive bool) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.MkdirAll(full, 0o755); err != nil {
			return errs.LoadFailuref(err, "make directory %s", key)
		}
		return nil
	}
	if err := os.Mkdir(full, 0o755); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errs.LoadFailuref(err, "make directory %s", key)
	}
	return nil
}

// WriteFile atomically persists data at key: it writes to a sibling temp
// file and renames over the destination, so a reader never observes a
// partially-written value and a crash mid-write cannot corrupt an existing
// one.
func (s *Store) WriteFile(key string, data []byte) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.LoadFailuref(err, "make parent directory for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), filepath.Base(full)+".tmp-*")
	if err != nil {
		return errs.LoadFailuref(err, "create temp file for %s", key)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errs.LoadFailuref(err, "write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errs.LoadFailuref(err, "finalize %s", key)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		_ = os.Remove(tmpPath)
		return errs.LoadFailuref(err, "persist %s", key)
	}
	return nil
}

// ReadFile loads the blob at key. A missing key returns a NotFound-kind
// DriverError (the expected, routine case); any other failure (permission,
// I/O) returns a LoadFailure-kind error.
func (s *Store) ReadFile(key string) ([]byte, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("store key %s", key)
		}
		return nil, errs.LoadFailuref(err, "read %s", key)
	}
	return data, nil
}

// Exists reports whether key is present in the store.
func (s *Store) Exists(key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(full)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, errs.LoadFailuref(statErr, "stat %s", key)
}

// Stat reports size/kind/mtime for key. A missing key returns a NotFound-kind
// error, matching ReadFile's absence semantics.
func (s *Store) Stat(key string) (FileInfo, error) {
	full, err := s.resolve(key)
	if err != nil {
		return FileInfo{}, err
	}
	info, statErr := os.Stat(full)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return FileInfo{}, errs.NotFoundf("store key %s", key)
		}
		return FileInfo{}, errs.LoadFailuref(statErr, "stat %s", key)
	}
	return FileInfo{Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errs.LoadFailuref(err, "remove %s", key)
	}
	return nil
}

// List enumerates the immediate entries of the directory at key, sorted.
func (s *Store) List(key string) ([]string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf("store directory %s", key)
		}
		return nil, errs.LoadFailuref(err, "list %s", key)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SaveJSON marshals v and atomically writes it at key.
func (s *Store) SaveJSON(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.ValidationErrorf("marshal %s: %v", key, err)
	}
	return s.WriteFile(key, data)
}

// LoadJSON reads key and unmarshals it into v. A missing key surfaces as a
// NotFound-kind error (the caller's expected "no save data yet" case); a
// present-but-malformed file surfaces as a LoadFailure-kind error, which the
// caller should treat as a real fault, not as "absent".
func (s *Store) LoadJSON(key string, v any) error {
	data, err := s.ReadFile(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.LoadFailuref(err, "parse %s", key)
	}
	return nil
}
