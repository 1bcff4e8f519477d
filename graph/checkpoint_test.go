package graph

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSaver is a minimal in-package saver for manager and executor tests. It
// keeps live values (no serialization) but deep-copies checkpoints on the way
// in and out.
type memSaver struct {
	mu    sync.Mutex
	ckpts map[string]map[string]map[string]*memTuple
}

type memTuple struct {
	ckpt   *Checkpoint
	md     *CheckpointMetadata
	writes []PendingWrite
}

func newMemSaver() *memSaver {
	return &memSaver{ckpts: make(map[string]map[string]map[string]*memTuple)}
}

func (m *memSaver) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	tuple, err := m.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

func (m *memSaver) GetTuple(_ context.Context, config map[string]any) (*CheckpointTuple, error) {
	lineageID := GetLineageID(config)
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	namespace := GetNamespace(config)
	checkpointID := GetCheckpointID(config)

	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.ckpts[lineageID][namespace]
	if len(byID) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		for id := range byID {
			if id > checkpointID {
				checkpointID = id
			}
		}
	}
	stored, ok := byID[checkpointID]
	if !ok {
		return nil, nil
	}
	return m.tuple(lineageID, namespace, checkpointID, stored), nil
}

func (m *memSaver) List(
	_ context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	lineageID := GetLineageID(config)
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	namespace := GetNamespace(config)

	before := ""
	limit := 0
	if filter != nil {
		before = GetCheckpointID(filter.Before)
		limit = filter.Limit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.ckpts[lineageID][namespace]
	ids := make([]string, 0, len(byID))
	for id := range byID {
		if before != "" && id >= before {
			continue
		}
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	tuples := make([]*CheckpointTuple, 0, len(ids))
	for _, id := range ids {
		tuples = append(tuples, m.tuple(lineageID, namespace, id, byID[id]))
	}
	return tuples, nil
}

func (m *memSaver) Put(_ context.Context, req PutRequest) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(req.Config, req.Checkpoint, req.Metadata)
}

func (m *memSaver) PutWrites(_ context.Context, req PutWritesRequest) error {
	lineageID := GetLineageID(req.Config)
	checkpointID := GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return ErrLineageIDAndCheckpointIDRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.ckpts[lineageID][GetNamespace(req.Config)][checkpointID]
	if stored == nil {
		return ErrCheckpointNotFound
	}
	stored.writes = append(stored.writes, req.Writes...)
	return nil
}

func (m *memSaver) PutFull(_ context.Context, req PutFullRequest) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	config, err := m.putLocked(req.Config, req.Checkpoint, req.Metadata)
	if err != nil {
		return nil, err
	}
	stored := m.ckpts[GetLineageID(config)][GetNamespace(config)][req.Checkpoint.ID]
	stored.writes = append(stored.writes, req.PendingWrites...)
	return config, nil
}

func (m *memSaver) DeleteLineage(_ context.Context, lineageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ckpts, lineageID)
	return nil
}

func (m *memSaver) Close() error { return nil }

func (m *memSaver) putLocked(
	config map[string]any, ckpt *Checkpoint, md *CheckpointMetadata,
) (map[string]any, error) {
	lineageID := GetLineageID(config)
	if lineageID == "" {
		return nil, ErrLineageIDRequired
	}
	namespace := GetNamespace(config)
	if m.ckpts[lineageID] == nil {
		m.ckpts[lineageID] = make(map[string]map[string]*memTuple)
	}
	if m.ckpts[lineageID][namespace] == nil {
		m.ckpts[lineageID][namespace] = make(map[string]*memTuple)
	}
	m.ckpts[lineageID][namespace][ckpt.ID] = &memTuple{ckpt: ckpt.Copy(), md: md}
	return CreateCheckpointConfig(lineageID, ckpt.ID, namespace), nil
}

func (m *memSaver) tuple(lineageID, namespace, id string, stored *memTuple) *CheckpointTuple {
	tuple := &CheckpointTuple{
		Config:        CreateCheckpointConfig(lineageID, id, namespace),
		Checkpoint:    stored.ckpt.Copy(),
		Metadata:      stored.md,
		PendingWrites: append([]PendingWrite(nil), stored.writes...),
	}
	if stored.ckpt.ParentCheckpointID != "" {
		tuple.ParentConfig = CreateCheckpointConfig(lineageID, stored.ckpt.ParentCheckpointID, namespace)
	}
	return tuple
}

func TestCheckpointConfig(t *testing.T) {
	cfg := NewCheckpointConfig("lineage-1").
		WithNamespace("branch").
		WithCheckpointID("ckpt-1").
		ToMap()

	assert.Equal(t, "lineage-1", GetLineageID(cfg))
	assert.Equal(t, "ckpt-1", GetCheckpointID(cfg))
	assert.Equal(t, "branch", GetNamespace(cfg))

	assert.Empty(t, GetLineageID(nil))
	assert.Empty(t, GetCheckpointID(map[string]any{}))

	created := CreateCheckpointConfig("lineage-2", "", "")
	assert.Equal(t, "lineage-2", GetLineageID(created))
	assert.Empty(t, GetCheckpointID(created))
}

func TestNewCheckpointIDsAreTimeOrdered(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		ckpt := NewCheckpoint(nil, nil)
		require.Greater(t, ckpt.ID, prev)
		prev = ckpt.ID
	}
}

func TestCheckpointCopyIsDeep(t *testing.T) {
	original := NewCheckpoint(
		map[string]any{"items": []any{"a"}},
		map[string]int64{"items": 1},
	)
	original.NextNodes = []string{"worker"}

	copied := original.Copy()
	require.Equal(t, original.ID, copied.ID)

	copied.ChannelValues["items"].([]any)[0] = "mutated"
	copied.NextNodes[0] = "other"
	copied.ChannelVersions["items"] = 99

	assert.Equal(t, "a", original.ChannelValues["items"].([]any)[0])
	assert.Equal(t, "worker", original.NextNodes[0])
	assert.Equal(t, int64(1), original.ChannelVersions["items"])
}

func TestCheckpointFork(t *testing.T) {
	original := NewCheckpoint(map[string]any{"x": 1}, map[string]int64{"x": 1})
	forked := original.Fork()

	assert.NotEqual(t, original.ID, forked.ID)
	assert.Equal(t, original.ID, forked.ParentCheckpointID)
	assert.Equal(t, original.ChannelValues, forked.ChannelValues)
}

func putChain(t *testing.T, saver CheckpointSaver, lineageID string, n int) []*Checkpoint {
	t.Helper()
	ctx := context.Background()
	var ckpts []*Checkpoint
	parentID := ""
	for i := 0; i < n; i++ {
		ckpt := NewCheckpoint(map[string]any{"step": i}, map[string]int64{"step": int64(i + 1)})
		ckpt.ParentCheckpointID = parentID
		_, err := saver.Put(ctx, PutRequest{
			Config:     CreateCheckpointConfig(lineageID, "", ""),
			Checkpoint: ckpt,
			Metadata:   NewCheckpointMetadata(CheckpointSourceLoop, i),
		})
		require.NoError(t, err)
		parentID = ckpt.ID
		ckpts = append(ckpts, ckpt)
	}
	return ckpts
}

func TestCheckpointManagerLatestAndGoto(t *testing.T) {
	ctx := context.Background()
	manager := NewCheckpointManager(newMemSaver())
	ckpts := putChain(t, manager.saver, "lineage-1", 3)

	latest, err := manager.Latest(ctx, "lineage-1", "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, ckpts[2].ID, latest.Checkpoint.ID)

	tuple, err := manager.Goto(ctx, "lineage-1", "", ckpts[0].ID)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpts[0].ID, tuple.Checkpoint.ID)

	missing, err := manager.Latest(ctx, "other-lineage", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCheckpointManagerParentAndChildren(t *testing.T) {
	ctx := context.Background()
	manager := NewCheckpointManager(newMemSaver())
	ckpts := putChain(t, manager.saver, "lineage-1", 3)

	parent, err := manager.GetParent(ctx, CreateCheckpointConfig("lineage-1", ckpts[1].ID, ""))
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, ckpts[0].ID, parent.Checkpoint.ID)

	root, err := manager.GetParent(ctx, CreateCheckpointConfig("lineage-1", ckpts[0].ID, ""))
	require.NoError(t, err)
	assert.Nil(t, root)

	children, err := manager.ListChildren(ctx, CreateCheckpointConfig("lineage-1", ckpts[0].ID, ""))
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, ckpts[1].ID, children[0].Checkpoint.ID)
}

func TestCheckpointManagerTree(t *testing.T) {
	ctx := context.Background()
	saver := newMemSaver()
	manager := NewCheckpointManager(saver)
	ckpts := putChain(t, saver, "lineage-1", 3)

	// Fork a sibling off the first checkpoint to make the history a tree.
	fork := ckpts[0].Fork()
	_, err := saver.Put(ctx, PutRequest{
		Config:     CreateCheckpointConfig("lineage-1", "", ""),
		Checkpoint: fork,
		Metadata:   NewCheckpointMetadata(CheckpointSourceFork, 0),
	})
	require.NoError(t, err)

	tree, err := manager.GetCheckpointTree(ctx, "lineage-1", "")
	require.NoError(t, err)
	require.NotNil(t, tree.Root)
	assert.Equal(t, ckpts[0].ID, tree.Root.Checkpoint.Checkpoint.ID)
	assert.Len(t, tree.Branches, 4)
	assert.Len(t, tree.Root.Children, 2)
}

func TestCheckpointManagerBranchFrom(t *testing.T) {
	ctx := context.Background()
	saver := newMemSaver()
	manager := NewCheckpointManager(saver)
	ckpts := putChain(t, saver, "lineage-1", 2)

	branch, err := manager.BranchFrom(ctx, "lineage-1", "", ckpts[0].ID, "experiment")
	require.NoError(t, err)
	assert.Equal(t, ckpts[0].ID, branch.Checkpoint.ParentCheckpointID)
	assert.Equal(t, CheckpointSourceFork, branch.Metadata.Source)
	assert.Equal(t, "experiment", GetNamespace(branch.Config))

	// The branch lives in its own namespace; the source namespace is intact.
	latest, err := manager.Latest(ctx, "lineage-1", "experiment")
	require.NoError(t, err)
	assert.Equal(t, branch.Checkpoint.ID, latest.Checkpoint.ID)

	_, err = manager.BranchFrom(ctx, "lineage-1", "", "no-such-checkpoint", "x")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointManagerDeleteLineage(t *testing.T) {
	ctx := context.Background()
	saver := newMemSaver()
	manager := NewCheckpointManager(saver)
	putChain(t, saver, "lineage-1", 2)

	require.NoError(t, manager.DeleteLineage(ctx, "lineage-1"))
	latest, err := manager.Latest(ctx, "lineage-1", "")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
