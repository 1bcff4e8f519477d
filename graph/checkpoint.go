package graph

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CheckpointVersion is the current version of the checkpoint format.
const CheckpointVersion = 1

// DefaultCheckpointNamespace is the namespace used when none is configured.
const DefaultCheckpointNamespace = ""

// Checkpoint is an immutable snapshot of all channel state at the end of a
// superstep. IDs are UUIDv7, so lexicographic order matches creation order.
type Checkpoint struct {
	// Version is the version of the checkpoint format.
	Version int `json:"v"`
	// ID is the unique, time-ordered identifier of this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues holds the values of all available channels.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions holds the version counters of all available channels.
	ChannelVersions map[string]int64 `json:"channel_versions"`
	// ParentCheckpointID links to the checkpoint this one was derived from;
	// forks make the history a tree rather than a list.
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	// UpdatedChannels lists the channels written by the committing superstep.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
	// NextNodes is the planned frontier for the following superstep, kept so
	// a resumed execution can continue without re-deriving routing.
	NextNodes []string `json:"next_nodes,omitempty"`
	// PendingSends carries Send tasks emitted by the committing superstep
	// that have not yet run.
	PendingSends []PendingSend `json:"pending_sends,omitempty"`
}

// PendingSend is a dynamically scheduled task recorded in a checkpoint.
type PendingSend struct {
	// Node is the target node ID.
	Node string `json:"node"`
	// Payload overlays the target task's input snapshot.
	Payload map[string]any `json:"payload,omitempty"`
}

// CheckpointMetadata describes how and when a checkpoint was produced.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource* values.
	Source string `json:"source"`
	// Step is the superstep index (-1 for the input checkpoint).
	Step int `json:"step"`
	// Parents maps checkpoint namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	// Writes summarizes the channel writes that produced this checkpoint,
	// keyed by channel name.
	Writes map[string]any `json:"writes,omitempty"`
	// Extra holds additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple is the externally visible read result of a saver.
type CheckpointTuple struct {
	// Config addresses this checkpoint (lineage, namespace, checkpoint ID).
	Config map[string]any `json:"config"`
	// Checkpoint is the snapshot itself.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata describes the snapshot.
	Metadata *CheckpointMetadata `json:"metadata"`
	// ParentConfig addresses the checkpoint this one was derived from.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// PendingWrites are task writes recorded ahead of the next checkpoint,
	// used to resume a superstep that crashed mid-flight.
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite is one task's write to one channel, recorded before the
// superstep's writes are folded into a new checkpoint.
type PendingWrite struct {
	// TaskID identifies the task that produced the write.
	TaskID string `json:"task_id"`
	// Channel is the channel written to.
	Channel string `json:"channel"`
	// Value is the written value.
	Value any `json:"value"`
	// Sequence orders writes globally for deterministic replay.
	Sequence int64 `json:"sequence"`
}

// PutRequest carries a checkpoint to CheckpointSaver.Put.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest carries pending writes to CheckpointSaver.PutWrites.
type PutWritesRequest struct {
	Config map[string]any
	Writes []PendingWrite
	TaskID string
}

// PutFullRequest atomically carries a checkpoint and its pending writes.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// CheckpointFilter restricts CheckpointSaver.List results.
type CheckpointFilter struct {
	// Before excludes checkpoints whose ID is >= the checkpoint ID named by
	// this config.
	Before map[string]any `json:"before,omitempty"`
	// Limit caps the number of returned tuples; 0 means no cap.
	Limit int `json:"limit,omitempty"`
}

// CheckpointSaver is the capability set any checkpoint backend provides.
// Implementations must make Put/PutWrites atomic per key, since the saver is
// the one component shared across concurrent executions.
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration: the exact
	// checkpoint when the config names a checkpoint ID, otherwise the most
	// recent checkpoint of the lineage and namespace. Returns nil when
	// nothing matches.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns tuples in strictly descending checkpoint-ID order,
	// optionally filtered.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns a config pinned to its ID.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites appends task writes to a checkpoint's pending-write log.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull stores a checkpoint together with pending writes atomically.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteLineage removes all checkpoints of a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases resources held by the saver.
	Close() error
}

// newCheckpointID returns a time-ordered unique ID.
func newCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// NewCheckpoint creates a checkpoint with a fresh time-ordered ID.
func NewCheckpoint(channelValues map[string]any, channelVersions map[string]int64) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]int64)
	}
	return &Checkpoint{
		Version:         CheckpointVersion,
		ID:              newCheckpointID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
	}
}

// NewCheckpointMetadata creates metadata for a checkpoint.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
	}
}

// Copy returns a deep copy of the checkpoint, preserving its ID.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	values := make(map[string]any, len(c.ChannelValues))
	for k, v := range c.ChannelValues {
		values[k] = deepCopyAny(v)
	}
	versions := make(map[string]int64, len(c.ChannelVersions))
	maps.Copy(versions, c.ChannelVersions)

	updated := append([]string(nil), c.UpdatedChannels...)
	next := append([]string(nil), c.NextNodes...)

	sends := make([]PendingSend, len(c.PendingSends))
	for i, s := range c.PendingSends {
		sends[i] = PendingSend{Node: s.Node}
		if s.Payload != nil {
			sends[i].Payload = deepCopyAny(s.Payload).(map[string]any)
		}
	}

	return &Checkpoint{
		Version:            c.Version,
		ID:                 c.ID,
		Timestamp:          c.Timestamp,
		ChannelValues:      values,
		ChannelVersions:    versions,
		ParentCheckpointID: c.ParentCheckpointID,
		UpdatedChannels:    updated,
		NextNodes:          next,
		PendingSends:       sends,
	}
}

// Fork returns a copy with a new ID whose parent is the receiver, the basis
// for branching history from any past checkpoint.
func (c *Checkpoint) Fork() *Checkpoint {
	if c == nil {
		return nil
	}
	forked := c.Copy()
	forked.ParentCheckpointID = c.ID
	forked.ID = newCheckpointID()
	forked.Timestamp = time.Now().UTC()
	return forked
}

// CheckpointConfig is the structured form of an execution config.
type CheckpointConfig struct {
	// LineageID identifies the independently checkpointed execution thread.
	LineageID string
	// CheckpointID pins a specific checkpoint; empty means latest.
	CheckpointID string
	// Namespace isolates nested sub-executions within the lineage.
	Namespace string
}

// NewCheckpointConfig creates a config for a lineage with the default
// namespace.
func NewCheckpointConfig(lineageID string) *CheckpointConfig {
	return &CheckpointConfig{LineageID: lineageID, Namespace: DefaultCheckpointNamespace}
}

// WithCheckpointID pins the config to a specific checkpoint.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// WithNamespace sets the checkpoint namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// ToMap converts the config to the map shape savers and executors consume.
func (c *CheckpointConfig) ToMap() map[string]any {
	configurable := map[string]any{
		CfgKeyLineageID:    c.LineageID,
		CfgKeyCheckpointNS: c.Namespace,
	}
	if c.CheckpointID != "" {
		configurable[CfgKeyCheckpointID] = c.CheckpointID
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// CreateCheckpointConfig builds a config map in one call.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	cfg := NewCheckpointConfig(lineageID).WithNamespace(namespace)
	if checkpointID != "" {
		cfg.WithCheckpointID(checkpointID)
	}
	return cfg.ToMap()
}

// GetLineageID extracts the lineage ID from a config map.
func GetLineageID(config map[string]any) string {
	return configurableString(config, CfgKeyLineageID)
}

// GetCheckpointID extracts the checkpoint ID from a config map.
func GetCheckpointID(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts the checkpoint namespace from a config map.
func GetNamespace(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointNS)
}

func configurableString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	configurable, ok := config[CfgKeyConfigurable].(map[string]any)
	if !ok {
		return ""
	}
	s, _ := configurable[key].(string)
	return s
}

// CheckpointTree is the ancestry tree of one lineage's checkpoints.
type CheckpointTree struct {
	// Root is the oldest checkpoint without a parent.
	Root *CheckpointNode `json:"root"`
	// Branches indexes every node by checkpoint ID.
	Branches map[string]*CheckpointNode `json:"branches"`
}

// CheckpointNode is one checkpoint in the ancestry tree.
type CheckpointNode struct {
	Checkpoint *CheckpointTuple  `json:"checkpoint"`
	Children   []*CheckpointNode `json:"children"`
	Parent     *CheckpointNode   `json:"-"`
}

// CheckpointManager provides high-level operations over a CheckpointSaver.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager over the given saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Latest returns the most recent checkpoint of a lineage and namespace, or
// nil when the lineage is empty.
func (cm *CheckpointManager) Latest(ctx context.Context, lineageID, namespace string) (*CheckpointTuple, error) {
	tuples, err := cm.saver.List(ctx, CreateCheckpointConfig(lineageID, "", namespace),
		&CheckpointFilter{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(tuples) == 0 {
		return nil, nil
	}
	return tuples[0], nil
}

// Get retrieves a checkpoint by config.
func (cm *CheckpointManager) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	return cm.saver.Get(ctx, config)
}

// GetTuple retrieves a checkpoint tuple by config.
func (cm *CheckpointManager) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	return cm.saver.GetTuple(ctx, config)
}

// List returns the lineage's checkpoints, newest first.
func (cm *CheckpointManager) List(
	ctx context.Context, config map[string]any, filter *CheckpointFilter,
) ([]*CheckpointTuple, error) {
	return cm.saver.List(ctx, config, filter)
}

// Put stores a checkpoint.
func (cm *CheckpointManager) Put(ctx context.Context, req PutRequest) (map[string]any, error) {
	return cm.saver.Put(ctx, req)
}

// Goto returns the tuple of a specific checkpoint.
func (cm *CheckpointManager) Goto(
	ctx context.Context, lineageID, namespace, checkpointID string,
) (*CheckpointTuple, error) {
	return cm.saver.GetTuple(ctx, CreateCheckpointConfig(lineageID, checkpointID, namespace))
}

// DeleteLineage removes all checkpoints of a lineage.
func (cm *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	return cm.saver.DeleteLineage(ctx, lineageID)
}

// BranchFrom forks a new branch in newNamespace off an existing checkpoint.
// An empty checkpointID forks off the latest checkpoint.
func (cm *CheckpointManager) BranchFrom(
	ctx context.Context, lineageID, namespace, checkpointID, newNamespace string,
) (*CheckpointTuple, error) {
	source, err := cm.saver.GetTuple(ctx, CreateCheckpointConfig(lineageID, checkpointID, namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to get source checkpoint: %w", err)
	}
	if source == nil || source.Checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}

	forked := source.Checkpoint.Fork()
	step := 0
	if source.Metadata != nil {
		step = source.Metadata.Step
	}
	metadata := NewCheckpointMetadata(CheckpointSourceFork, step)
	metadata.Parents[namespace] = source.Checkpoint.ID

	newConfig, err := cm.saver.PutFull(ctx, PutFullRequest{
		Config:      CreateCheckpointConfig(lineageID, "", newNamespace),
		Checkpoint:  forked,
		Metadata:    metadata,
		NewVersions: forked.ChannelVersions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store branch checkpoint: %w", err)
	}
	return &CheckpointTuple{
		Config:       newConfig,
		Checkpoint:   forked,
		Metadata:     metadata,
		ParentConfig: source.Config,
	}, nil
}

// GetParent returns the parent tuple of the checkpoint named by config, or
// nil for a root checkpoint.
func (cm *CheckpointManager) GetParent(
	ctx context.Context, config map[string]any,
) (*CheckpointTuple, error) {
	current, err := cm.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if current == nil {
		return nil, ErrCheckpointNotFound
	}
	if current.Checkpoint.ParentCheckpointID == "" {
		return nil, nil
	}
	if current.ParentConfig != nil {
		if tuple, err := cm.saver.GetTuple(ctx, current.ParentConfig); err != nil {
			return nil, fmt.Errorf("failed to get parent checkpoint: %w", err)
		} else if tuple != nil {
			return tuple, nil
		}
	}
	parentConfig := CreateCheckpointConfig(
		GetLineageID(config), current.Checkpoint.ParentCheckpointID, GetNamespace(config))
	return cm.saver.GetTuple(ctx, parentConfig)
}

// ListChildren returns the direct children of the checkpoint named by
// config, ordered oldest first.
func (cm *CheckpointManager) ListChildren(
	ctx context.Context, config map[string]any,
) ([]*CheckpointTuple, error) {
	parent, err := cm.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if parent == nil {
		return nil, ErrCheckpointNotFound
	}

	all, err := cm.saver.List(ctx, CreateCheckpointConfig(GetLineageID(config), "", GetNamespace(config)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var children []*CheckpointTuple
	for _, tuple := range all {
		if tuple.Checkpoint.ParentCheckpointID == parent.Checkpoint.ID {
			children = append(children, tuple)
		}
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].Checkpoint.ID < children[j].Checkpoint.ID
	})
	return children, nil
}

// GetCheckpointTree builds the ancestry tree of a lineage's checkpoints
// within one namespace.
func (cm *CheckpointManager) GetCheckpointTree(
	ctx context.Context, lineageID, namespace string,
) (*CheckpointTree, error) {
	all, err := cm.saver.List(ctx, CreateCheckpointConfig(lineageID, "", namespace), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	tree := &CheckpointTree{Branches: make(map[string]*CheckpointNode)}
	for _, tuple := range all {
		tree.Branches[tuple.Checkpoint.ID] = &CheckpointNode{Checkpoint: tuple}
	}

	var roots []*CheckpointNode
	for _, tuple := range all {
		node := tree.Branches[tuple.Checkpoint.ID]
		parentID := tuple.Checkpoint.ParentCheckpointID
		if parent, ok := tree.Branches[parentID]; parentID != "" && ok {
			parent.Children = append(parent.Children, node)
			node.Parent = parent
		} else {
			roots = append(roots, node)
		}
	}
	for _, node := range tree.Branches {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].Checkpoint.Checkpoint.ID < node.Children[j].Checkpoint.Checkpoint.ID
		})
	}
	// The primary root is the oldest parentless checkpoint.
	for _, node := range roots {
		if tree.Root == nil || node.Checkpoint.Checkpoint.ID < tree.Root.Checkpoint.Checkpoint.ID {
			tree.Root = node
		}
	}
	return tree, nil
}
