// Package inmemory provides the reference CheckpointSaver: checkpoints held
// in process memory, stored as serialized blobs so tuples returned to callers
// never alias the saver's internal state.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loopgraph/loopgraph/graph"
	"github.com/loopgraph/loopgraph/serialization"
)

// storedCheckpoint is one serialized checkpoint plus its metadata.
type storedCheckpoint struct {
	checkpoint []byte
	metadata   []byte
	parentID   string
}

// storedWrite is one serialized pending write.
type storedWrite struct {
	taskID   string
	channel  string
	value    []byte
	sequence int64
}

// Saver keeps checkpoints in nested maps keyed by lineage ID, namespace and
// checkpoint ID. Safe for concurrent use.
type Saver struct {
	mu         sync.RWMutex
	serializer *serialization.Serializer
	// checkpoints[lineageID][namespace][checkpointID]
	checkpoints map[string]map[string]map[string]*storedCheckpoint
	// writes[lineageID][namespace][checkpointID], in append order
	writes map[string]map[string]map[string][]storedWrite
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// Option configures a Saver.
type Option func(*Saver)

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s *serialization.Serializer) Option {
	return func(sv *Saver) { sv.serializer = s }
}

// NewSaver creates an empty in-memory saver.
func NewSaver(opts ...Option) *Saver {
	s := &Saver{
		serializer:  serialization.Default(),
		checkpoints: make(map[string]map[string]map[string]*storedCheckpoint),
		writes:      make(map[string]map[string]map[string][]storedWrite),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves a checkpoint by config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves the checkpoint named by the config's checkpoint ID, or
// the latest checkpoint of the lineage and namespace when no ID is set.
// Returns nil when nothing matches.
func (s *Saver) GetTuple(_ context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.checkpoints[lineageID][namespace]
	if len(byID) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		// Checkpoint IDs are time-ordered, so the latest is the largest.
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
	return s.tupleLocked(lineageID, namespace, checkpointID, stored)
}

// List returns the lineage's checkpoints in descending checkpoint-ID order,
// newest first, honoring the filter's Before and Limit.
func (s *Saver) List(
	_ context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	namespace := graph.GetNamespace(config)

	before := ""
	limit := 0
	if filter != nil {
		before = graph.GetCheckpointID(filter.Before)
		limit = filter.Limit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := s.checkpoints[lineageID][namespace]
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

	tuples := make([]*graph.CheckpointTuple, 0, len(ids))
	for _, id := range ids {
		tuple, err := s.tupleLocked(lineageID, namespace, id, byID[id])
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, nil
}

// Put stores a checkpoint and returns a config pinned to its ID.
func (s *Saver) Put(_ context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata)
}

// PutWrites appends task writes to the named checkpoint's pending-write log.
func (s *Saver) PutWrites(_ context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putWritesLocked(req.Config, req.Writes)
}

// PutFull stores a checkpoint and its pending writes under one lock.
func (s *Saver) PutFull(_ context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	config, err := s.putLocked(req.Config, req.Checkpoint, req.Metadata)
	if err != nil {
		return nil, err
	}
	if len(req.PendingWrites) > 0 {
		if err := s.putWritesLocked(config, req.PendingWrites); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// DeleteLineage removes every checkpoint and pending write of a lineage.
func (s *Saver) DeleteLineage(_ context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, lineageID)
	delete(s.writes, lineageID)
	return nil
}

// Close implements CheckpointSaver. Nothing to release.
func (s *Saver) Close() error { return nil }

func (s *Saver) putLocked(
	config map[string]any, ckpt *graph.Checkpoint, metadata *graph.CheckpointMetadata,
) (map[string]any, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if ckpt == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	namespace := graph.GetNamespace(config)

	ckptBytes, err := s.serializer.Serialize(ckpt)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}
	var mdBytes []byte
	if metadata != nil {
		if mdBytes, err = s.serializer.Serialize(metadata); err != nil {
			return nil, fmt.Errorf("failed to serialize metadata: %w", err)
		}
	}

	if s.checkpoints[lineageID] == nil {
		s.checkpoints[lineageID] = make(map[string]map[string]*storedCheckpoint)
	}
	if s.checkpoints[lineageID][namespace] == nil {
		s.checkpoints[lineageID][namespace] = make(map[string]*storedCheckpoint)
	}
	s.checkpoints[lineageID][namespace][ckpt.ID] = &storedCheckpoint{
		checkpoint: ckptBytes,
		metadata:   mdBytes,
		parentID:   ckpt.ParentCheckpointID,
	}
	return graph.CreateCheckpointConfig(lineageID, ckpt.ID, namespace), nil
}

func (s *Saver) putWritesLocked(config map[string]any, writes []graph.PendingWrite) error {
	lineageID := graph.GetLineageID(config)
	checkpointID := graph.GetCheckpointID(config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	namespace := graph.GetNamespace(config)

	if s.writes[lineageID] == nil {
		s.writes[lineageID] = make(map[string]map[string][]storedWrite)
	}
	if s.writes[lineageID][namespace] == nil {
		s.writes[lineageID][namespace] = make(map[string][]storedWrite)
	}
	for _, w := range writes {
		value, err := s.serializer.Serialize(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write value: %w", err)
		}
		s.writes[lineageID][namespace][checkpointID] = append(
			s.writes[lineageID][namespace][checkpointID], storedWrite{
				taskID:   w.TaskID,
				channel:  w.Channel,
				value:    value,
				sequence: w.Sequence,
			})
	}
	return nil
}

// tupleLocked deserializes a stored checkpoint into an externally safe tuple.
func (s *Saver) tupleLocked(
	lineageID, namespace, checkpointID string, stored *storedCheckpoint,
) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := s.serializer.Deserialize(stored.checkpoint, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(lineageID, checkpointID, namespace),
		Checkpoint: &ckpt,
	}
	if len(stored.metadata) > 0 {
		var md graph.CheckpointMetadata
		if err := s.serializer.Deserialize(stored.metadata, &md); err != nil {
			return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
		}
		tuple.Metadata = &md
	}
	if stored.parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, stored.parentID, namespace)
	}
	for _, w := range s.writes[lineageID][namespace][checkpointID] {
		var value any
		if err := s.serializer.Deserialize(w.value, &value); err != nil {
			return nil, fmt.Errorf("failed to deserialize write value: %w", err)
		}
		tuple.PendingWrites = append(tuple.PendingWrites, graph.PendingWrite{
			TaskID:   w.taskID,
			Channel:  w.channel,
			Value:    value,
			Sequence: w.sequence,
		})
	}
	return tuple, nil
}
