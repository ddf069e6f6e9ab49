// Package blob stores raw object payloads on the local filesystem under a
// key-derived layout rooted at an objects directory. Each bucket gets its own
// subdirectory, and within a bucket the object key maps directly onto the
// filesystem path, so "docs" + "a/b.txt" lives at <root>/docs/a/b.txt.
package blob

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// chunkSize is the unit in which payloads are streamed to and from disk.
const chunkSize = 8 * 1024

// sniffLen is how many leading bytes of an upload are retained for
// content-type detection, matching http.DetectContentType's window.
const sniffLen = 512

// Store reads and writes object payloads below dataDir.
type Store struct {
	dataDir string
}

// NewStore creates a Store rooted at dataDir.
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// WriteResult describes a payload that was fully written to disk.
type WriteResult struct {
	// ETag is the hex-encoded MD5 digest of the payload.
	ETag string
	// Size is the payload length in bytes.
	Size int64
	// SniffedType is the content type detected from the payload's first
	// bytes, e.g. "text/plain; charset=utf-8".
	SniffedType string
}

// BucketRoot returns the directory that holds all payloads for a bucket.
func (s *Store) BucketRoot(bucket string) string {
	return filepath.Join(s.dataDir, bucket)
}

// ObjectPath returns the deterministic on-disk location for an object. The
// same (bucket, key) pair always maps to the same path, so rewriting a key
// overwrites its previous payload in place.
func (s *Store) ObjectPath(bucket, key string) string {
	return filepath.Join(s.dataDir, bucket, filepath.FromSlash(key))
}

// Write streams r to the object's path in fixed-size chunks, computing the
// MD5 digest and byte count as the data passes through. The payload is never
// held in memory as a whole. If anything fails mid-write, the partial file is
// removed before the error is returned, so a failed Write leaves no trace at
// the target path.
func (s *Store) Write(bucket, key string, r io.Reader) (WriteResult, error) {
	objPath := s.ObjectPath(bucket, key)

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create object dir: %w", err)
	}

	f, err := os.Create(objPath)
	if err != nil {
		return WriteResult{}, fmt.Errorf("create object file: %w", err)
	}

	h := md5.New()
	var sniff bytes.Buffer
	var written int64

	buf := make([]byte, chunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				s.abortWrite(f, objPath)
				return WriteResult{}, fmt.Errorf("write chunk: %w", err)
			}
			h.Write(buf[:n])
			if sniff.Len() < sniffLen {
				sniff.Write(buf[:min(n, sniffLen-sniff.Len())])
			}
			written += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			s.abortWrite(f, objPath)
			return WriteResult{}, fmt.Errorf("read upload: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		s.removePartial(objPath)
		return WriteResult{}, fmt.Errorf("close object file: %w", err)
	}

	result := WriteResult{
		ETag: hex.EncodeToString(h.Sum(nil)),
		Size: written,
	}
	// An empty payload carries no signal worth sniffing.
	if sniff.Len() > 0 {
		result.SniffedType = http.DetectContentType(sniff.Bytes())
	}
	return result, nil
}

// abortWrite closes and removes a half-written object file.
func (s *Store) abortWrite(f *os.File, objPath string) {
	_ = f.Close()
	s.removePartial(objPath)
}

func (s *Store) removePartial(objPath string) {
	if err := os.Remove(objPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to remove partial object file", "path", objPath, "error", err)
	}
}

// Open returns a reader over the payload at objPath. The caller owns the
// returned ReadCloser. A missing payload is reported as an error satisfying
// errors.Is(err, fs.ErrNotExist).
func (s *Store) Open(objPath string) (io.ReadCloser, error) {
	f, err := os.Open(objPath)
	if err != nil {
		return nil, fmt.Errorf("open object file: %w", err)
	}
	return f, nil
}

// Exists reports whether a payload is present at objPath.
func (s *Store) Exists(objPath string) (bool, error) {
	info, err := os.Stat(objPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Remove deletes the payload at objPath and then walks upward through its
// parent directories, removing each one that is now empty, until it reaches
// bucketRoot (which is kept) or a directory that is not empty. Failures
// during the upward walk stop the pruning but are not errors; the payload
// itself is already gone.
func (s *Store) Remove(objPath, bucketRoot string) error {
	if err := os.Remove(objPath); err != nil {
		return err
	}
	s.pruneEmptyDirs(filepath.Dir(objPath), bucketRoot)
	return nil
}

// pruneEmptyDirs removes empty directories from dir upward, stopping at root.
func (s *Store) pruneEmptyDirs(dir, root string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root; dir = filepath.Dir(dir) {
		// Refuse to walk above the bucket root even if dir was never
		// below it.
		if !strings.HasPrefix(dir+string(filepath.Separator), root+string(filepath.Separator)) {
			return
		}
		if err := os.Remove(dir); err != nil {
			// Non-empty or unremovable directory ends the walk.
			if !isDirNotEmpty(err) {
				slog.Warn("Failed to prune object directory", "dir", dir, "error", err)
			}
			return
		}
	}
}

// isDirNotEmpty reports whether err is the "directory not empty" failure
// returned by os.Remove on a populated directory.
func isDirNotEmpty(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return strings.Contains(pathErr.Err.Error(), "not empty")
	}
	return false
}

// MakeBucketRoot creates the root directory for a bucket.
func (s *Store) MakeBucketRoot(bucket string) error {
	return os.MkdirAll(s.BucketRoot(bucket), 0o755)
}

// RemoveBucketRoot deletes a bucket's root directory and everything below
// it. Removing a root that does not exist is not an error.
func (s *Store) RemoveBucketRoot(bucket string) error {
	return os.RemoveAll(s.BucketRoot(bucket))
}
