package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loopgraph/loopgraph/graph/internal/channel"
	"github.com/loopgraph/loopgraph/log"
)

// DefaultMaxSteps is the default superstep limit per invocation.
const DefaultMaxSteps = 25

// Executor runs a compiled graph as a sequence of supersteps. Each superstep
// executes the frontier's tasks concurrently against an isolated snapshot of
// the state, folds their writes into the channels behind a barrier, routes
// the next frontier, and (when a saver is configured) commits a checkpoint.
type Executor struct {
	graph           *Graph
	checkpointSaver CheckpointSaver
	maxSteps        int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver enables durable checkpointing through the given saver.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) { e.checkpointSaver = saver }
}

// WithMaxSteps sets the default superstep limit.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(e *Executor) { e.maxSteps = maxSteps }
}

// NewExecutor creates an executor for a compiled graph.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: graph is nil", ErrInvalidGraph)
	}
	e := &Executor{graph: g, maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxSteps
	}
	return e, nil
}

// invokeOptions collects per-invocation settings.
type invokeOptions struct {
	config         map[string]any
	recursionLimit int
}

// InvokeOption configures one invocation.
type InvokeOption func(*invokeOptions)

// WithConfig passes the execution config map. Checkpointing activates when
// the config carries a lineage ID and the executor has a saver.
func WithConfig(config map[string]any) InvokeOption {
	return func(o *invokeOptions) { o.config = config }
}

// WithRecursionLimit overrides the superstep limit for this invocation.
func WithRecursionLimit(limit int) InvokeOption {
	return func(o *invokeOptions) { o.recursionLimit = limit }
}

// StepEvent reports the outcome of one superstep during streaming execution.
type StepEvent struct {
	// Step is the superstep index, starting at 0.
	Step int
	// Nodes lists the node IDs executed in this superstep, in task order.
	Nodes []string
	// UpdatedChannels lists the channels the superstep wrote.
	UpdatedChannels []string
	// State is a snapshot of the state after the barrier.
	State State
	// CheckpointID is the committed checkpoint, empty when checkpointing is
	// off.
	CheckpointID string
	// Done marks the final event of the run. On failure Err is set and the
	// other fields describe the last committed state.
	Done bool
	// Err is the run error, only ever set on the final event.
	Err error
}

// Invoke runs the graph to completion and returns the final state.
func (e *Executor) Invoke(ctx context.Context, input State, opts ...InvokeOption) (State, error) {
	options := applyInvokeOptions(opts)
	return e.run(ctx, input, options, nil)
}

// Stream runs the graph and emits one StepEvent per superstep, plus a final
// event with Done set (and Err on failure). The channel closes when the run
// ends.
func (e *Executor) Stream(ctx context.Context, input State, opts ...InvokeOption) (<-chan StepEvent, error) {
	options := applyInvokeOptions(opts)
	events := make(chan StepEvent, 16)
	go func() {
		defer close(events)
		emit := func(ev StepEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := e.run(ctx, input, options, emit); err != nil {
			log.Debugf("graph stream ended with error: %v", err)
		}
	}()
	return events, nil
}

func applyInvokeOptions(opts []InvokeOption) invokeOptions {
	var options invokeOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// execution carries the mutable state of one run.
type execution struct {
	graph    *Graph
	saver    CheckpointSaver
	channels *channel.Manager
	// config is pinned to the last committed checkpoint while the run is
	// checkpointed, so pending writes attach to the right parent.
	config        map[string]any
	checkpointing bool
	frontier      []string
	sends         []PendingSend
	// replay holds pending writes recovered from the resume checkpoint,
	// keyed by task ID. Consumed by the first superstep after resume.
	replay map[string][]PendingWrite
}

// task is one planned unit of a superstep.
type task struct {
	id      string
	node    *Node
	overlay State
}

// taskResult is the parsed outcome of one task.
type taskResult struct {
	task   *task
	writes []PendingWrite
	sends  []PendingSend
	goTo   string
	hasCmd bool
}

func (e *Executor) run(
	ctx context.Context, input State, options invokeOptions, emit func(StepEvent),
) (State, error) {
	exec := &execution{
		graph:    e.graph,
		saver:    e.checkpointSaver,
		channels: channel.NewManager(),
		config:   options.config,
	}
	exec.checkpointing = e.checkpointSaver != nil && GetLineageID(options.config) != ""

	for _, name := range e.graph.Schema().FieldNames() {
		exec.channels.Add(name, exec.reducerFor(name))
	}

	limit := e.maxSteps
	if cfgLimit := recursionLimitFrom(options.config); cfgLimit > 0 {
		limit = cfgLimit
	}
	if options.recursionLimit > 0 {
		limit = options.recursionLimit
	}

	startStep, err := exec.prepare(ctx, input)
	if err != nil {
		return e.finish(nil, err, emit)
	}

	for step := startStep; len(exec.frontier) > 0 || len(exec.sends) > 0; step++ {
		if step >= limit {
			return e.finish(exec.stateSnapshot(), fmt.Errorf(
				"%w: %d supersteps executed with frontier %v still pending",
				ErrRecursionLimit, step, exec.frontier), emit)
		}
		if err := ctx.Err(); err != nil {
			return e.finish(exec.stateSnapshot(), err, emit)
		}
		event, err := exec.runSuperstep(ctx, step)
		if err != nil {
			return e.finish(exec.stateSnapshot(), err, emit)
		}
		if emit != nil {
			emit(event)
		}
	}
	return e.finish(exec.stateSnapshot(), nil, emit)
}

// finish emits the terminal event and returns the run result.
func (e *Executor) finish(final State, err error, emit func(StepEvent)) (State, error) {
	if emit != nil {
		emit(StepEvent{Done: true, State: final, Err: err})
	}
	if err != nil {
		return nil, err
	}
	return final, nil
}

// prepare either resumes from a checkpoint or seeds the channels from the
// caller's input. It returns the index of the first superstep to run.
func (e *execution) prepare(ctx context.Context, input State) (int, error) {
	if e.checkpointing {
		tuple, err := e.saver.GetTuple(ctx, e.config)
		if err != nil {
			return 0, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if tuple != nil && tuple.Checkpoint != nil {
			return e.resume(ctx, tuple, input)
		}
	}
	return e.seed(ctx, input)
}

// seed validates the input, folds it into the channels and commits the input
// checkpoint at step -1.
func (e *execution) seed(ctx context.Context, input State) (int, error) {
	if input == nil {
		input = State{}
	}
	if err := e.graph.Schema().Validate(input); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidGraph, err)
	}
	updated, err := e.fold([]*taskResult{{writes: stateWrites(inputTaskID, input)}})
	if err != nil {
		return 0, err
	}
	e.frontier = []string{e.graph.EntryPoint()}
	if _, err := e.commit(ctx, CheckpointSourceInput, -1, updated); err != nil {
		return 0, err
	}
	return 0, nil
}

// resume restores channels and the frontier from a checkpoint tuple. A
// non-nil input is folded on top and committed as an update checkpoint.
// Pending writes recorded ahead of the crash are kept for replay so the
// resumed superstep skips tasks that already completed.
func (e *execution) resume(ctx context.Context, tuple *CheckpointTuple, input State) (int, error) {
	ckpt := tuple.Checkpoint
	e.channels.Restore(ckpt.ChannelValues, ckpt.ChannelVersions)
	e.config = tuple.Config
	e.frontier = append([]string(nil), ckpt.NextNodes...)
	e.sends = append([]PendingSend(nil), ckpt.PendingSends...)

	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step + 1
	}

	if len(tuple.PendingWrites) > 0 {
		e.replay = make(map[string][]PendingWrite)
		for _, w := range tuple.PendingWrites {
			e.replay[w.TaskID] = append(e.replay[w.TaskID], w)
		}
		for _, writes := range e.replay {
			sort.Slice(writes, func(i, j int) bool { return writes[i].Sequence < writes[j].Sequence })
		}
	}

	if len(input) > 0 {
		updated, err := e.fold([]*taskResult{{writes: stateWrites(inputTaskID, input)}})
		if err != nil {
			return 0, err
		}
		if _, err := e.commit(ctx, CheckpointSourceUpdate, step-1, updated); err != nil {
			return 0, err
		}
	}
	log.Debugf("resuming lineage %s at step %d, frontier %v",
		GetLineageID(e.config), step, e.frontier)
	return step, nil
}

// runSuperstep executes one full superstep: plan, barrier, fold, route,
// commit.
func (e *execution) runSuperstep(ctx context.Context, step int) (StepEvent, error) {
	tasks, err := e.plan(step)
	if err != nil {
		return StepEvent{}, err
	}

	results := make([]*taskResult, len(tasks))
	base := e.channels.Values()
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		snapshot := State(deepCopyAny(base).(map[string]any))
		for k, v := range t.overlay {
			snapshot[k] = deepCopyAny(v)
		}
		g.Go(func() error {
			if writes, ok := e.replay[t.id]; ok {
				results[i] = &taskResult{task: t, writes: writes}
				return nil
			}
			out, err := runWithRetry(gctx, t, snapshot)
			if err != nil {
				return fmt.Errorf("node %q failed: %w", t.node.ID, err)
			}
			res, err := parseNodeResult(t, out)
			if err != nil {
				return err
			}
			results[i] = res
			if e.checkpointing && len(res.writes) > 0 {
				if err := e.saver.PutWrites(gctx, PutWritesRequest{
					Config: e.config,
					Writes: res.writes,
					TaskID: t.id,
				}); err != nil {
					return fmt.Errorf("failed to log task writes: %w", err)
				}
			}
			return nil
		})
	}
	// The barrier: a single task failure discards the whole superstep, so
	// no partial writes ever reach the channels.
	if err := g.Wait(); err != nil {
		log.Errorf("superstep %d failed: %v", step, err)
		return StepEvent{}, err
	}
	e.replay = nil

	updated, err := e.fold(results)
	if err != nil {
		return StepEvent{}, err
	}

	frontier, sends, err := e.route(ctx, results)
	if err != nil {
		return StepEvent{}, err
	}
	e.frontier = frontier
	e.sends = sends

	checkpointID, err := e.commit(ctx, CheckpointSourceLoop, step, updated)
	if err != nil {
		return StepEvent{}, err
	}

	nodes := make([]string, len(tasks))
	for i, t := range tasks {
		nodes[i] = t.node.ID
	}
	log.Debugf("superstep %d: ran %v, updated %v, next %v", step, nodes, updated, frontier)
	return StepEvent{
		Step:            step,
		Nodes:           nodes,
		UpdatedChannels: updated,
		State:           e.stateSnapshot(),
		CheckpointID:    checkpointID,
	}, nil
}

// plan turns the frontier and pending sends into this superstep's tasks.
// Task IDs are deterministic so a resumed run replans the same IDs and can
// match them against logged pending writes.
func (e *execution) plan(step int) ([]*task, error) {
	tasks := make([]*task, 0, len(e.frontier)+len(e.sends))
	for _, nodeID := range e.frontier {
		node, ok := e.graph.Node(nodeID)
		if !ok {
			return nil, fmt.Errorf("%w: frontier names undeclared node %q", ErrInvalidGraph, nodeID)
		}
		tasks = append(tasks, &task{
			id:   fmt.Sprintf("%d:%s:%d", step, nodeID, len(tasks)),
			node: node,
		})
	}
	for _, s := range e.sends {
		node, ok := e.graph.Node(s.Node)
		if !ok {
			return nil, fmt.Errorf("%w: send targets undeclared node %q", ErrInvalidGraph, s.Node)
		}
		tasks = append(tasks, &task{
			id:      fmt.Sprintf("%d:%s:%d", step, s.Node, len(tasks)),
			node:    node,
			overlay: State(s.Payload),
		})
	}
	e.frontier = nil
	e.sends = nil
	return tasks, nil
}

// fold groups the superstep's writes by channel, in task order, and applies
// each group as one atomic channel update.
func (e *execution) fold(results []*taskResult) ([]string, error) {
	grouped := make(map[string][]any)
	var order []string
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, w := range res.writes {
			if _, seen := grouped[w.Channel]; !seen {
				order = append(order, w.Channel)
			}
			grouped[w.Channel] = append(grouped[w.Channel], w.Value)
		}
	}
	for _, name := range order {
		ch := e.channels.Add(name, e.reducerFor(name))
		if _, err := ch.Update(grouped[name]); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// route computes the next frontier from the post-barrier state: Command
// targets take precedence over a node's conditional edge, which takes
// precedence over its static edges. End drops the branch; duplicates
// collapse.
func (e *execution) route(ctx context.Context, results []*taskResult) ([]string, []PendingSend, error) {
	var frontier []string
	var sends []PendingSend
	added := make(map[string]bool)
	routed := make(map[string]bool)
	add := func(id string) {
		if id == End || added[id] {
			return
		}
		added[id] = true
		frontier = append(frontier, id)
	}

	var routerState State
	for _, res := range results {
		if res == nil {
			continue
		}
		sends = append(sends, res.sends...)
		if res.hasCmd {
			if res.goTo != End {
				if _, ok := e.graph.Node(res.goTo); !ok {
					return nil, nil, fmt.Errorf("%w: command from node %q targets undeclared node %q",
						ErrInvalidGraph, res.task.node.ID, res.goTo)
				}
			}
			add(res.goTo)
			continue
		}
		nodeID := res.task.node.ID
		if routed[nodeID] {
			continue
		}
		routed[nodeID] = true

		if cond, ok := e.graph.ConditionalEdge(nodeID); ok {
			if routerState == nil {
				routerState = e.stateSnapshot()
			}
			key, err := cond.Condition(ctx, routerState)
			if err != nil {
				return nil, nil, fmt.Errorf("router for node %q failed: %w", nodeID, err)
			}
			target, ok := cond.PathMap[key]
			if !ok {
				return nil, nil, fmt.Errorf("%w: router for node %q returned %q, not a path map key",
					ErrInvalidGraph, nodeID, key)
			}
			add(target)
			continue
		}
		for _, edge := range e.graph.Edges(nodeID) {
			add(edge.To)
		}
	}
	return frontier, sends, nil
}

// commit snapshots the channels into a new checkpoint. No-op when
// checkpointing is off.
func (e *execution) commit(ctx context.Context, source string, step int, updated []string) (string, error) {
	if !e.checkpointing {
		return "", nil
	}
	values := deepCopyAny(e.channels.Values()).(map[string]any)
	ckpt := NewCheckpoint(values, e.channels.Versions())
	ckpt.ParentCheckpointID = GetCheckpointID(e.config)
	ckpt.UpdatedChannels = updated
	ckpt.NextNodes = append([]string(nil), e.frontier...)
	ckpt.PendingSends = append([]PendingSend(nil), e.sends...)

	metadata := NewCheckpointMetadata(source, step)
	if ckpt.ParentCheckpointID != "" {
		metadata.Parents[GetNamespace(e.config)] = ckpt.ParentCheckpointID
	}
	if len(updated) > 0 {
		metadata.Writes = make(map[string]any, len(updated))
		for _, name := range updated {
			metadata.Writes[name] = values[name]
		}
	}

	newConfig, err := e.saver.Put(ctx, PutRequest{
		Config:      e.config,
		Checkpoint:  ckpt,
		Metadata:    metadata,
		NewVersions: ckpt.ChannelVersions,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store checkpoint: %w", err)
	}
	e.config = newConfig
	return ckpt.ID, nil
}

// reducerFor wraps a schema field's reducer as a channel reducer, lazily
// materializing the field default as the initial accumulator.
func (e *execution) reducerFor(name string) channel.Reducer {
	field, ok := e.graph.Schema().Field(name)
	if !ok || field.Reducer == nil {
		return nil
	}
	return func(existing, update any) any {
		if existing == nil && field.Default != nil {
			existing = field.Default()
		}
		return field.Reducer(existing, update)
	}
}

// stateSnapshot returns a deep copy of all available channel values.
func (e *execution) stateSnapshot() State {
	return State(deepCopyAny(e.channels.Values()).(map[string]any))
}

// runWithRetry executes a task's node function under its retry policy.
func runWithRetry(ctx context.Context, t *task, snapshot State) (any, error) {
	policy := t.node.RetryPolicy()
	for attempt := 1; ; attempt++ {
		out, err := t.node.Function(ctx, snapshot)
		if err == nil {
			return out, nil
		}
		if policy == nil || attempt >= policy.MaxAttempts || !policy.ShouldRetry(err) {
			return nil, err
		}
		log.Debugf("node %q attempt %d failed, retrying: %v", t.node.ID, attempt, err)
		timer := time.NewTimer(policy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// parseNodeResult classifies a node's return value into writes, sends and an
// optional command route.
func parseNodeResult(t *task, out any) (*taskResult, error) {
	res := &taskResult{task: t}
	switch v := out.(type) {
	case nil:
	case State:
		res.writes = stateWrites(t.id, v)
	case map[string]any:
		res.writes = stateWrites(t.id, v)
	case Send:
		res.sends = []PendingSend{{Node: v.Node, Payload: v.Payload}}
	case []Send:
		for _, s := range v {
			res.sends = append(res.sends, PendingSend{Node: s.Node, Payload: s.Payload})
		}
	case *Command:
		if v != nil {
			res.writes = stateWrites(t.id, v.Update)
			res.goTo = v.GoTo
			res.hasCmd = v.GoTo != ""
		}
	case Command:
		res.writes = stateWrites(t.id, v.Update)
		res.goTo = v.GoTo
		res.hasCmd = v.GoTo != ""
	default:
		return nil, fmt.Errorf("%w: node %q returned unsupported type %T",
			ErrInvalidUpdate, t.node.ID, out)
	}
	return res, nil
}

// stateWrites converts a state update into ordered pending writes. Keys are
// sorted so write order is deterministic across runs.
func stateWrites(taskID string, update map[string]any) []PendingWrite {
	if len(update) == 0 {
		return nil
	}
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writes := make([]PendingWrite, len(keys))
	for i, k := range keys {
		writes[i] = PendingWrite{TaskID: taskID, Channel: k, Value: update[k], Sequence: int64(i)}
	}
	return writes
}

// recursionLimitFrom reads the per-invocation limit from the config map.
func recursionLimitFrom(config map[string]any) int {
	if config == nil {
		return 0
	}
	switch v := config[CfgKeyRecursionLimit].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
