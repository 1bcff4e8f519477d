// Package graph provides a bulk-synchronous graph execution engine: named
// nodes connected by static and conditional edges, executed as barrier-
// synchronized supersteps over channel-backed shared state, with every
// superstep durably checkpointed.
package graph

import (
	"context"
	"fmt"
)

// Special node identifiers for graph routing.
const (
	// Start is the virtual source node preceding the entry point.
	Start = "__start__"
	// End is the virtual sink node terminating a branch.
	End = "__end__"
)

// NodeFunc is the step capability executed by a node. It receives an
// immutable snapshot of the state and returns a partial update: a State, a
// Send, a []Send, a *Command, or nil.
type NodeFunc func(ctx context.Context, state State) (any, error)

// ConditionalFunc routes from a node after its superstep: it inspects the
// post-barrier state and returns a key of the edge's path map.
type ConditionalFunc func(ctx context.Context, state State) (string, error)

// Node is a named step of the graph.
type Node struct {
	ID          string
	Name        string
	Description string
	Function    NodeFunc

	// retryPolicy bounds re-execution of this node on retryable errors.
	retryPolicy *RetryPolicy
	// destinations declares possible Send targets for validation and
	// visualization; keys are node IDs, values optional labels.
	destinations map[string]string
}

// RetryPolicy returns the node's retry policy, or nil.
func (n *Node) RetryPolicy() *RetryPolicy { return n.retryPolicy }

// Edge is a static edge between two nodes.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes from a node through a router function whose result
// keys into PathMap.
type ConditionalEdge struct {
	From      string
	Condition ConditionalFunc
	// PathMap maps router results to target node IDs (or End).
	PathMap map[string]string
}

// Graph is the compiled, immutable runtime topology produced by
// StateGraph.Compile. It is safe for concurrent use by multiple executors.
type Graph struct {
	schema           *StateSchema
	nodes            map[string]*Node
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	entryPoint       string
}

// Node returns a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// NodeIDs returns the IDs of all declared nodes.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// Edges returns the outgoing static edges of a node.
func (g *Graph) Edges(nodeID string) []*Edge {
	return g.edges[nodeID]
}

// ConditionalEdge returns the conditional edge leaving a node.
func (g *Graph) ConditionalEdge(nodeID string) (*ConditionalEdge, bool) {
	edge, ok := g.conditionalEdges[nodeID]
	return edge, ok
}

// EntryPoint returns the entry point node ID.
func (g *Graph) EntryPoint() string { return g.entryPoint }

// Schema returns the state schema.
func (g *Graph) Schema() *StateSchema { return g.schema }

// validate checks the full topology. Called once by StateGraph.Compile so
// that edges may reference nodes declared later in the build.
func (g *Graph) validate() error {
	if g.entryPoint == "" {
		return fmt.Errorf("%w: no entry point set", ErrInvalidGraph)
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return fmt.Errorf("%w: entry point %q is not a declared node", ErrInvalidGraph, g.entryPoint)
	}
	for from, edges := range g.edges {
		if from != Start {
			if _, ok := g.nodes[from]; !ok {
				return fmt.Errorf("%w: edge source %q is not a declared node", ErrInvalidGraph, from)
			}
		}
		for _, edge := range edges {
			if edge.To == End {
				continue
			}
			if _, ok := g.nodes[edge.To]; !ok {
				return fmt.Errorf("%w: edge %s -> %s targets an undeclared node",
					ErrInvalidGraph, edge.From, edge.To)
			}
		}
	}
	for from, cond := range g.conditionalEdges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("%w: conditional edge source %q is not a declared node",
				ErrInvalidGraph, from)
		}
		if cond.Condition == nil {
			return fmt.Errorf("%w: conditional edge from %q has no router", ErrInvalidGraph, from)
		}
		if len(cond.PathMap) == 0 {
			return fmt.Errorf("%w: conditional edge from %q has an empty path map",
				ErrInvalidGraph, from)
		}
		for key, to := range cond.PathMap {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("%w: conditional edge from %q maps %q to undeclared node %q",
					ErrInvalidGraph, from, key, to)
			}
		}
	}
	for _, node := range g.nodes {
		for to := range node.destinations {
			if to == End {
				continue
			}
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("%w: node %q declares destination %q which does not exist",
					ErrInvalidGraph, node.ID, to)
			}
		}
	}
	return nil
}
