package graph

// Config map keys (used under config["configurable"]).
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyLineageID    = "lineage_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
)

// CfgKeyRecursionLimit is a top-level config key overriding the executor's
// superstep limit for one invocation.
const CfgKeyRecursionLimit = "recursion_limit"

// Checkpoint Metadata.Source enumeration values.
const (
	// CheckpointSourceInput marks the checkpoint seeded from caller input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint committed by a superstep.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceUpdate marks a checkpoint from a manual state update.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceFork marks a checkpoint created as a branch copy.
	CheckpointSourceFork = "fork"
)

// Task ID used for the writes that seed channels from caller input.
const inputTaskID = "__input__"
