package graph

import (
	"errors"

	"github.com/loopgraph/loopgraph/graph/internal/channel"
)

// Errors surfaced at the execution boundary.
var (
	// ErrInvalidGraph reports a structural or configuration defect: an
	// undeclared edge target, a missing entry point, or a conditional
	// router returning a key absent from its path map.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvalidUpdate reports conflicting same-superstep writes to a state
	// field that has no reducer declared.
	ErrInvalidUpdate = channel.ErrConflict

	// ErrEmptyChannel reports a read of a channel that has never been
	// written.
	ErrEmptyChannel = channel.ErrEmpty

	// ErrRecursionLimit reports that the superstep count exceeded the
	// configured limit, usually an unterminated cycle.
	ErrRecursionLimit = errors.New("recursion limit exceeded")
)

// Checkpoint configuration errors.
var (
	ErrLineageIDRequired                = errors.New("lineage_id is required")
	ErrLineageIDAndCheckpointIDRequired = errors.New("lineage_id and checkpoint_id are required")
	ErrCheckpointNotFound               = errors.New("checkpoint not found")
)
