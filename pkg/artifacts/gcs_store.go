//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore is a Google Cloud Storage backed BlobStore.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds settings for the GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed blob store using application default
// credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectKey(digest string) string {
	return s.prefix + digest + ".blob"
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := refFor(data)
	digest, _ := parseRef(ref)
	obj := s.client.Bucket(s.bucket).Object(s.objectKey(digest))

	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: gcs close: %w", err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(s.objectKey(digest)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.objectKey(digest)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: gcs attrs: %w", err)
	}
	return true, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(s.objectKey(digest)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("artifacts: gcs delete %s: %w", ref, err)
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
