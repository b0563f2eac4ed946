package stagecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/strataml/gpucoord/pkg/coordstore"
	"github.com/strataml/gpucoord/pkg/taskstate"
)

var extractSpec = Spec{
	Name:                 "extract",
	CacheKeyFields:       []string{"path", "language"},
	RequiredOutputFields: []string{"transcript_path"},
	ArtifactFields:       []string{"transcript_path"},
}

func newTestCoordinator(t *testing.T) (*Coordinator, *taskstate.Store) {
	t.Helper()
	kv := coordstore.NewMemoryStore()
	tasks := taskstate.NewStore(kv, time.Hour, nil)
	return NewCoordinator(tasks, nil), tasks
}

func TestCheckMissWhenAbsent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t)

	res, err := c.Check(ctx, "T1", extractSpec, map[string]any{"path": "/a"})
	require.NoError(t, err)
	require.Equal(t, DecisionMiss, res.Decision)
	require.False(t, res.Reuse.ReuseHit)
}

func TestCheckWaitWhilePendingOrRunning(t *testing.T) {
	ctx := context.Background()
	c, tasks := newTestCoordinator(t)

	for _, status := range []taskstate.Status{taskstate.StatusPending, taskstate.StatusRunning} {
		_, err := tasks.MergeWrite(ctx, "T1", "extract", taskstate.StageRecord{Status: status})
		require.NoError(t, err)

		res, err := c.Check(ctx, "T1", extractSpec, map[string]any{"path": "/a"})
		require.NoError(t, err)
		require.Equal(t, DecisionWait, res.Decision)
		require.Equal(t, string(status), res.Reuse.State)
		require.False(t, res.Reuse.ReuseHit)
	}
}

func TestCheckHitOnTrustedSuccess(t *testing.T) {
	ctx := context.Background()
	c, tasks := newTestCoordinator(t)

	finished := time.Now().UTC()
	_, err := tasks.MergeWrite(ctx, "T1", "extract", taskstate.StageRecord{
		Status:     taskstate.StatusSuccess,
		Output:     map[string]any{"transcript_path": "/out/t.txt"},
		FinishedAt: &finished,
	})
	require.NoError(t, err)

	res, err := c.Check(ctx, "T1", extractSpec, map[string]any{"path": "/a"})
	require.NoError(t, err)
	require.Equal(t, DecisionHit, res.Decision)
	require.True(t, res.Reuse.ReuseHit)
	require.Equal(t, "task-state", res.Reuse.Source)
	require.NotNil(t, res.Reuse.CachedAt)
	require.Equal(t, "/out/t.txt", res.Record.Output["transcript_path"])
}

func TestCheckMissOnCorruptedSuccess(t *testing.T) {
	ctx := context.Background()
	c, tasks := newTestCoordinator(t)

	cases := []map[string]any{
		nil,                                    // no outputs at all
		{"transcript_path": ""},                // empty required field
		{"other": "x"},                         // required field absent
		{"transcript_path": []any{}},           // empty collection
		{"transcript_path": map[string]any{}},  // empty object
	}
	for _, output := range cases {
		_, err := tasks.MergeWrite(ctx, "T1", "extract", taskstate.StageRecord{
			Status: taskstate.StatusSuccess,
			Output: output,
		})
		require.NoError(t, err)

		res, err := c.Check(ctx, "T1", extractSpec, map[string]any{"path": "/a"})
		require.NoError(t, err)
		require.Equal(t, DecisionMiss, res.Decision, "corrupted success must be a miss: %v", output)
	}
}

func TestCheckMissOnFailed(t *testing.T) {
	ctx := context.Background()
	c, tasks := newTestCoordinator(t)

	_, err := tasks.MergeWrite(ctx, "T1", "extract", taskstate.StageRecord{
		Status: taskstate.StatusFailed,
		Error:  "oom",
	})
	require.NoError(t, err)

	res, err := c.Check(ctx, "T1", extractSpec, map[string]any{"path": "/a"})
	require.NoError(t, err)
	require.Equal(t, DecisionMiss, res.Decision)
}

func TestCacheKeyDeterministic(t *testing.T) {
	k1, err := CacheKey(extractSpec, map[string]any{"path": "/a", "language": "en", "ignored": "x"})
	require.NoError(t, err)
	k2, err := CacheKey(extractSpec, map[string]any{"language": "en", "path": "/a"})
	require.NoError(t, err)
	require.Equal(t, k1, k2, "key must not depend on field order or undeclared fields")

	k3, err := CacheKey(extractSpec, map[string]any{"path": "/b", "language": "en"})
	require.NoError(t, err)
	require.NotEqual(t, k1, k3, "different declared inputs must produce different keys")
}

func TestRegistryRegisterAndValidate(t *testing.T) {
	r := NewRegistry()
	spec := Spec{
		Name:            "extract",
		CacheKeyFields:  []string{"path"},
		InputSchemaJSON: `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	}
	require.NoError(t, r.Register(spec))
	require.Error(t, r.Register(spec), "duplicate registration must fail")

	got, ok := r.Get("extract")
	require.True(t, ok)

	require.NoError(t, got.ValidateInput(map[string]any{"path": "/a"}))
	require.ErrorIs(t, got.ValidateInput(map[string]any{"path": ""}), ErrInvalidInput)

	err := got.ValidateInput(map[string]any{})
	require.ErrorIs(t, err, ErrInvalidInput, "schema rejections must carry the sentinel")
	require.Contains(t, err.Error(), "path")
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Spec{Name: "bad", InputSchemaJSON: `{"type": 42}`})
	require.Error(t, err)
}
