package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects the artifact storage backend.
type BackendType string

const (
	BackendFS  BackendType = "fs"
	BackendS3  BackendType = "s3"
	BackendGCS BackendType = "gcs"
)

// NewStoreFromEnv creates a blob store based on environment variables.
//
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem backend (default "data")
//
// S3: ARTIFACT_S3_BUCKET (required), ARTIFACT_S3_REGION or AWS_REGION,
// ARTIFACT_S3_ENDPOINT (optional), ARTIFACT_S3_PREFIX (optional).
//
// GCS (requires the gcp build tag): ARTIFACT_GCS_BUCKET (required),
// ARTIFACT_GCS_PREFIX (optional).
func NewStoreFromEnv(ctx context.Context) (BlobStore, error) {
	backend := BackendType(os.Getenv("ARTIFACT_STORAGE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "artifacts"))
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unsupported storage type %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("ARTIFACT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: ARTIFACT_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("ARTIFACT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
	})
}
