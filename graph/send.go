package graph

// Send schedules an ad hoc task for the next superstep, targeting a node that
// need not be reachable through the static or conditional edges. Nodes return
// Send values (or a []Send) to fan out dynamically, e.g. one task per element
// of a runtime-determined list.
//
// The payload is overlaid on the target task's input snapshot; it is visible
// only to that task and is not folded into the shared channels.
type Send struct {
	// Node is the ID of the node to run.
	Node string
	// Payload is merged over the task's view of the state.
	Payload State
}

// Command combines a state update with explicit routing. A node may return a
// *Command instead of a plain State to both write an update and name the node
// to run next, bypassing its static and conditional edges for this step.
type Command struct {
	// Update is folded into the channels like a plain State return.
	Update State
	// GoTo is the node to schedule next; End stops the branch.
	GoTo string
}
