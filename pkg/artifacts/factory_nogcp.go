//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("artifacts: GCS support requires the gcp build tag")
}
