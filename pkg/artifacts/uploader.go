package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/strataml/gpucoord/pkg/stagecache"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

// RefSuffix is appended to an artifact field name to form the output key
// that records its uploaded reference, e.g. "transcript_path" ->
// "transcript_path_url".
const RefSuffix = "_url"

// Uploader moves a stage's declared artifact outputs into blob storage and
// records their references next to the original paths.
type Uploader struct {
	blobs  BlobStore
	logger *slog.Logger
}

// NewUploader creates an uploader over the given blob store.
func NewUploader(blobs BlobStore, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default().With("component", "artifacts")
	}
	return &Uploader{blobs: blobs, logger: logger}
}

// SyncOutputs uploads every declared artifact field of rec that does not
// yet carry a valid reference. A field whose recorded reference is already
// well-formed is skipped; an empty or malformed reference always triggers
// re-upload from the local path. rec.Output is mutated in place.
func (u *Uploader) SyncOutputs(ctx context.Context, spec stagecache.Spec, rec *taskstate.StageRecord) error {
	if rec.Output == nil {
		return nil
	}
	for _, field := range spec.ArtifactFields {
		path, _ := rec.Output[field].(string)
		if path == "" {
			u.logger.DebugContext(ctx, "artifact field empty, nothing to upload",
				"stage", spec.Name, "field", field)
			continue
		}

		refField := field + RefSuffix
		if existing, _ := rec.Output[refField].(string); ValidRef(existing) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("artifacts: read %s for %s.%s: %w", path, spec.Name, field, err)
		}
		ref, err := u.blobs.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("artifacts: upload %s.%s: %w", spec.Name, field, err)
		}
		rec.Output[refField] = ref
		u.logger.InfoContext(ctx, "artifact uploaded",
			"stage", spec.Name, "field", field, "ref", ref)
	}
	return nil
}

// RemoveOutputs deletes every uploaded artifact recorded in the task's
// stage outputs. Called only from the explicit cleanup boundary.
func (u *Uploader) RemoveOutputs(ctx context.Context, registry *stagecache.Registry, tc *taskstate.TaskContext) error {
	var firstErr error
	for name, rec := range tc.Stages {
		spec, ok := registry.Get(name)
		if !ok {
			continue
		}
		for _, field := range spec.ArtifactFields {
			ref, _ := rec.Output[field+RefSuffix].(string)
			if !ValidRef(ref) {
				continue
			}
			if err := u.blobs.Delete(ctx, ref); err != nil {
				u.logger.WarnContext(ctx, "artifact delete failed",
					"task_id", tc.TaskID, "stage", name, "ref", ref, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}
