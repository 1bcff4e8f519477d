// Package sqlite provides a CheckpointSaver backed by a SQLite database,
// suitable for durable single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/loopgraph/loopgraph/graph"
	"github.com/loopgraph/loopgraph/serialization"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	lineage_id           TEXT NOT NULL,
	namespace            TEXT NOT NULL DEFAULT '',
	checkpoint_id        TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	checkpoint           BLOB NOT NULL,
	metadata             BLOB,
	PRIMARY KEY (lineage_id, namespace, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	lineage_id    TEXT NOT NULL,
	namespace     TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	channel       TEXT NOT NULL,
	value         BLOB,
	sequence      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoint_writes_key
	ON checkpoint_writes (lineage_id, namespace, checkpoint_id);
`

// Saver stores checkpoints in SQLite. Safe for concurrent use; write
// statements run in transactions.
type Saver struct {
	db         *sql.DB
	serializer *serialization.Serializer
	ownsDB     bool
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// Option configures a Saver.
type Option func(*Saver)

// WithSerializer replaces the default JSON serializer.
func WithSerializer(s *serialization.Serializer) Option {
	return func(sv *Saver) { sv.serializer = s }
}

// NewSaver creates a saver over an existing database handle. The caller
// retains ownership of the handle; Close does not close it.
func NewSaver(db *sql.DB, opts ...Option) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	s := &Saver{db: db, serializer: serialization.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open opens (or creates) a SQLite database at path and returns a saver that
// owns the handle.
func Open(path string, opts ...Option) (*Saver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := NewSaver(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
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
// the latest of the lineage and namespace. Returns nil when nothing matches.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var (
		row *sql.Row
		id  string
	)
	if checkpointID != "" {
		row = s.db.QueryRowContext(ctx, `
			SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata
			FROM checkpoints
			WHERE lineage_id = ? AND namespace = ? AND checkpoint_id = ?`,
			lineageID, namespace, checkpointID)
	} else {
		// Checkpoint IDs are time-ordered; the lexicographic max is latest.
		row = s.db.QueryRowContext(ctx, `
			SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata
			FROM checkpoints
			WHERE lineage_id = ? AND namespace = ?
			ORDER BY checkpoint_id DESC LIMIT 1`,
			lineageID, namespace)
	}

	var (
		parentID  sql.NullString
		ckptBytes []byte
		mdBytes   []byte
	)
	if err := row.Scan(&id, &parentID, &ckptBytes, &mdBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	tuple, err := s.buildTuple(lineageID, namespace, id, parentID.String, ckptBytes, mdBytes)
	if err != nil {
		return nil, err
	}
	writes, err := s.loadWrites(ctx, lineageID, namespace, id)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

// List returns the lineage's checkpoints newest first, honoring the filter.
func (s *Saver) List(
	ctx context.Context, config map[string]any, filter *graph.CheckpointFilter,
) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	namespace := graph.GetNamespace(config)

	query := `
		SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata
		FROM checkpoints
		WHERE lineage_id = ? AND namespace = ?`
	args := []any{lineageID, namespace}
	if filter != nil {
		if before := graph.GetCheckpointID(filter.Before); before != "" {
			query += ` AND checkpoint_id < ?`
			args = append(args, before)
		}
	}
	query += ` ORDER BY checkpoint_id DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var (
			id        string
			parentID  sql.NullString
			ckptBytes []byte
			mdBytes   []byte
		)
		if err := rows.Scan(&id, &parentID, &ckptBytes, &mdBytes); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		tuple, err := s.buildTuple(lineageID, namespace, id, parentID.String, ckptBytes, mdBytes)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, rows.Err()
}

// Put stores a checkpoint and returns a config pinned to its ID.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.put(ctx, req.Config, req.Checkpoint, req.Metadata, nil)
}

// PutWrites appends task writes to a checkpoint's pending-write log.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	lineageID := graph.GetLineageID(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if lineageID == "" || checkpointID == "" {
		return graph.ErrLineageIDAndCheckpointIDRequired
	}
	namespace := graph.GetNamespace(req.Config)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := s.insertWrites(ctx, tx, lineageID, namespace, checkpointID, req.Writes); err != nil {
		return err
	}
	return tx.Commit()
}

// PutFull stores a checkpoint and its pending writes in one transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	return s.put(ctx, req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

// DeleteLineage removes every checkpoint and pending write of a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	if lineageID == "" {
		return graph.ErrLineageIDRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_writes WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("failed to delete writes: %w", err)
	}
	return tx.Commit()
}

// Close closes the database handle if this saver opened it.
func (s *Saver) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Saver) put(
	ctx context.Context,
	config map[string]any,
	ckpt *graph.Checkpoint,
	metadata *graph.CheckpointMetadata,
	writes []graph.PendingWrite,
) (map[string]any, error) {
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, graph.ErrLineageIDRequired
	}
	if ckpt == nil {
		return nil, errors.New("checkpoint is nil")
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO checkpoints
			(lineage_id, namespace, checkpoint_id, parent_checkpoint_id, checkpoint, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lineageID, namespace, ckpt.ID, ckpt.ParentCheckpointID, ckptBytes, mdBytes); err != nil {
		return nil, fmt.Errorf("failed to store checkpoint: %w", err)
	}
	if len(writes) > 0 {
		if err := s.insertWrites(ctx, tx, lineageID, namespace, ckpt.ID, writes); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, ckpt.ID, namespace), nil
}

func (s *Saver) insertWrites(
	ctx context.Context,
	tx *sql.Tx,
	lineageID, namespace, checkpointID string,
	writes []graph.PendingWrite,
) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO checkpoint_writes
			(lineage_id, namespace, checkpoint_id, task_id, channel, value, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare write insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range writes {
		value, err := s.serializer.Serialize(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write value: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			lineageID, namespace, checkpointID, w.TaskID, w.Channel, value, w.Sequence); err != nil {
			return fmt.Errorf("failed to store write: %w", err)
		}
	}
	return nil
}

func (s *Saver) loadWrites(
	ctx context.Context, lineageID, namespace, checkpointID string,
) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, channel, value, sequence
		FROM checkpoint_writes
		WHERE lineage_id = ? AND namespace = ? AND checkpoint_id = ?
		ORDER BY rowid`,
		lineageID, namespace, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("failed to query writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var (
			w     graph.PendingWrite
			value []byte
		)
		if err := rows.Scan(&w.TaskID, &w.Channel, &value, &w.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan write: %w", err)
		}
		if err := s.serializer.Deserialize(value, &w.Value); err != nil {
			return nil, fmt.Errorf("failed to deserialize write value: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

func (s *Saver) buildTuple(
	lineageID, namespace, id, parentID string, ckptBytes, mdBytes []byte,
) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := s.serializer.Deserialize(ckptBytes, &ckpt); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(lineageID, id, namespace),
		Checkpoint: &ckpt,
	}
	if len(mdBytes) > 0 {
		var md graph.CheckpointMetadata
		if err := s.serializer.Deserialize(mdBytes, &md); err != nil {
			return nil, fmt.Errorf("failed to deserialize metadata: %w", err)
		}
		tuple.Metadata = &md
	}
	if parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, parentID, namespace)
	}
	return tuple, nil
}
