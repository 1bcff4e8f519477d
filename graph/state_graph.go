package graph

import (
	"errors"
	"fmt"
)

// StateGraph is the fluent builder for compiled graphs.
//
// Build errors (duplicate nodes, reserved IDs, a repeated entry point) are
// collected and reported by Compile together with topology validation, so
// edges may reference nodes that are added later.
//
// Example:
//
//	g, err := NewStateGraph(schema).
//	    AddNode("oracle", oracleFunc).
//	    AddEdge("oracle", End).
//	    SetEntryPoint("oracle").
//	    Compile()
type StateGraph struct {
	graph        *Graph
	entryPointed bool
	errs         []error
}

// NewStateGraph creates a builder over the given state schema. A nil schema
// is replaced by an empty one.
func NewStateGraph(schema *StateSchema) *StateGraph {
	if schema == nil {
		schema = NewStateSchema()
	}
	return &StateGraph{
		graph: &Graph{
			schema:           schema,
			nodes:            make(map[string]*Node),
			edges:            make(map[string][]*Edge),
			conditionalEdges: make(map[string]*ConditionalEdge),
		},
	}
}

// Option configures a node at AddNode time.
type Option func(*Node)

// WithName sets the display name of the node.
func WithName(name string) Option {
	return func(node *Node) { node.Name = name }
}

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) { node.Description = description }
}

// WithRetryPolicy attaches a retry policy to the node.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(node *Node) { node.retryPolicy = &policy }
}

// WithDestinations declares the node's possible Send targets; keys are node
// IDs, values optional labels. Used for compile-time checks and DOT output.
func WithDestinations(destinations map[string]string) Option {
	return func(node *Node) { node.destinations = destinations }
}

// AddNode adds a node with the given ID and step function.
func (sg *StateGraph) AddNode(id string, function NodeFunc, opts ...Option) *StateGraph {
	switch {
	case id == "":
		sg.errs = append(sg.errs, fmt.Errorf("%w: node ID cannot be empty", ErrInvalidGraph))
		return sg
	case id == End || id == Start:
		sg.errs = append(sg.errs, fmt.Errorf("%w: node ID %q is reserved", ErrInvalidGraph, id))
		return sg
	}
	if _, exists := sg.graph.nodes[id]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("%w: node %q already exists", ErrInvalidGraph, id))
		return sg
	}
	if function == nil {
		sg.errs = append(sg.errs, fmt.Errorf("%w: node %q has no function", ErrInvalidGraph, id))
		return sg
	}
	node := &Node{ID: id, Name: id, Function: function}
	for _, opt := range opts {
		opt(node)
	}
	sg.graph.nodes[id] = node
	return sg
}

// AddEdge adds a static edge. Targets are validated at Compile, so forward
// references are allowed.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if from == "" || to == "" {
		sg.errs = append(sg.errs, fmt.Errorf("%w: edge endpoints cannot be empty", ErrInvalidGraph))
		return sg
	}
	sg.graph.edges[from] = append(sg.graph.edges[from], &Edge{From: from, To: to})
	return sg
}

// AddConditionalEdges adds routing from a node through a router function.
// The router's result must be a key of pathMap; values are target node IDs
// or End.
func (sg *StateGraph) AddConditionalEdges(
	from string,
	condition ConditionalFunc,
	pathMap map[string]string,
) *StateGraph {
	if from == "" {
		sg.errs = append(sg.errs, fmt.Errorf("%w: conditional edge source cannot be empty", ErrInvalidGraph))
		return sg
	}
	if _, exists := sg.graph.conditionalEdges[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("%w: node %q already has a conditional edge", ErrInvalidGraph, from))
		return sg
	}
	sg.graph.conditionalEdges[from] = &ConditionalEdge{
		From:      from,
		Condition: condition,
		PathMap:   pathMap,
	}
	return sg
}

// SetEntryPoint names the node executed in the first superstep. Exactly one
// entry point is required.
func (sg *StateGraph) SetEntryPoint(nodeID string) *StateGraph {
	if sg.entryPointed {
		sg.errs = append(sg.errs, fmt.Errorf("%w: entry point already set to %q",
			ErrInvalidGraph, sg.graph.entryPoint))
		return sg
	}
	sg.entryPointed = true
	sg.graph.entryPoint = nodeID
	sg.graph.edges[Start] = append(sg.graph.edges[Start], &Edge{From: Start, To: nodeID})
	return sg
}

// SetFinishPoint adds an edge from the node to End.
func (sg *StateGraph) SetFinishPoint(nodeID string) *StateGraph {
	return sg.AddEdge(nodeID, End)
}

// Compile validates the accumulated topology and returns the immutable graph.
func (sg *StateGraph) Compile() (*Graph, error) {
	if len(sg.errs) > 0 {
		return nil, errors.Join(sg.errs...)
	}
	if err := sg.graph.validate(); err != nil {
		return nil, err
	}
	return sg.graph, nil
}

// MustCompile compiles the graph or panics if it is invalid.
func (sg *StateGraph) MustCompile() *Graph {
	g, err := sg.Compile()
	if err != nil {
		panic(err)
	}
	return g
}
