// Package artifacts persists stage outputs (transcripts, audio stems,
// rendered speech, OCR text) in content-addressed blob storage and keeps
// the upload bookkeeping idempotent: an output field that already carries a
// well-formed reference is never uploaded twice.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BlobStore is the contract for content-addressed artifact storage. Put is
// idempotent by construction: the same bytes always land at the same key.
type BlobStore interface {
	// Put persists data and returns its reference ("sha256:<hex>").
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a reference is stored.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a stored artifact. Missing artifacts are not an error.
	Delete(ctx context.Context, ref string) error
}

const refPrefix = "sha256:"

var refPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// ValidRef reports whether s is a well-formed artifact reference. Empty or
// malformed values mean the artifact still needs uploading.
func ValidRef(s string) bool {
	return refPattern.MatchString(s)
}

// refFor computes the content reference for data.
func refFor(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// parseRef validates ref and returns the bare hex digest.
func parseRef(ref string) (string, error) {
	if !ValidRef(ref) {
		return "", fmt.Errorf("artifacts: invalid reference %q", ref)
	}
	return strings.TrimPrefix(ref, refPrefix), nil
}

// FileStore is a filesystem-backed BlobStore, the default for single-host
// deployments where the shared path is already on local disk.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a blob store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir %s: %w", baseDir, err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) blobPath(digest string) string {
	return filepath.Join(s.baseDir, digest+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := refFor(data)
	digest, _ := parseRef(ref)
	path := s.blobPath(digest)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to temp, then rename, so readers never see partial blobs.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: not found: %s", ref)
		}
		return nil, fmt.Errorf("artifacts: open blob: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.blobPath(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}
