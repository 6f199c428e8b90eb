// Package fsutil holds the filesystem primitives shared by the ledger and
// the orchestrator: atomic replace, content digests and stat snapshots.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const (
	dirPerms  = 0755
	filePerms = 0644
)

// tempMarker separates the destination name from the random part of a
// temp file name: ".<base>.tmp-<random>"
const tempMarker = ".tmp-"

// AtomicWriter writes files with a sibling temp file followed by a rename,
// so readers see either the old content or the new content and never a
// torn file.
type AtomicWriter struct {
	// BeforeRename runs after the temp file is flushed and closed but before
	// it replaces the destination. A non-nil error aborts the write and the
	// destination is left untouched.
	BeforeRename func(tmp string) error
}

// WriteFile atomically replaces path with data, creating parent
// directories as needed. The temp file is named so IsTempName recognizes
// it and already carries the final permissions when it is renamed.
func (w AtomicWriter) WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	// CreateTemp opens with 0600
	if err := os.Chmod(tmpName, filePerms); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}

	if w.BeforeRename != nil {
		if err := w.BeforeRename(tmpName); err != nil {
			return err
		}
	}

	if err := atomic.ReplaceFile(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	committed = true
	return nil
}

// IsTempName reports whether a base name belongs to an in-flight or
// abandoned AtomicWriter temp file
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker)
}

// WriteFile atomically replaces path with data
func WriteFile(path string, data []byte) error {
	return AtomicWriter{}.WriteFile(path, data)
}

// Digest returns the hex SHA-256 of r and the number of bytes read
func Digest(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FileDigest returns the hex SHA-256 and size of the file at path
func FileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sum, n, err := Digest(f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", filepath.Base(path), err)
	}
	return sum, n, nil
}

// BytesDigest returns the hex SHA-256 of data
func BytesDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileInfo is a stat snapshot. Exists is false for a missing file.
type FileInfo struct {
	Exists  bool
	IsDir   bool
	ModTime time.Time
	Size    int64
}

// Stat snapshots path. A missing file is not an error.
func Stat(path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return FileInfo{}, nil
	}
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Exists:  true,
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
		Size:    fi.Size(),
	}, nil
}

// RemoveFile deletes path. It reports whether a file was removed; a
// missing file is not an error.
func RemoveFile(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PruneEmptyDirs removes empty directories from dir upward, stopping at
// (and never removing) stop.
func PruneEmptyDirs(dir, stop string) {
	dir = filepath.Clean(dir)
	stop = filepath.Clean(stop)
	for dir != stop {
		rel, err := filepath.Rel(stop, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// EnsureDir creates dir and its parents and checks that dir is a directory
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return err
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
