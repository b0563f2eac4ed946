package stagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CacheKey derives the deterministic cache key for a stage invocation:
// the stage name plus a stable hash over the subset of input fields the
// spec declares as identity. The subset is canonicalized with JCS
// (RFC 8785) before hashing, so field order and encoding quirks cannot
// produce different keys for the same work.
//
// The key is recomputed on every check rather than persisted; the reuse
// decision itself is scoped to (task_id, stage_name).
func CacheKey(spec Spec, input map[string]any) (string, error) {
	subset := make(map[string]any, len(spec.CacheKeyFields))
	for _, field := range spec.CacheKeyFields {
		if v, ok := input[field]; ok {
			subset[field] = v
		}
	}

	raw, err := json.Marshal(subset)
	if err != nil {
		return "", fmt.Errorf("stagecache: marshal key fields for %s: %w", spec.Name, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("stagecache: canonicalize key fields for %s: %w", spec.Name, err)
	}

	sum := sha256.Sum256(canonical)
	return spec.Name + ":" + hex.EncodeToString(sum[:]), nil
}
