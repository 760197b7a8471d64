// Package graph holds the compiled execution graph, the node executor that
// turns agent results into state patches, and the topology builders that
// assemble a graph for each execution mode.
package graph

import (
	"fmt"
	"sort"

	"github.com/latticehq/conduct/session"
)

// End is the terminal routing target: following an edge to End finishes
// the run.
const End = "__end__"

// Condition gates an edge against the committed snapshot.
type Condition func(snap *session.Snapshot) bool

type Edge struct {
	From      string
	To        string
	Condition Condition
}

type Graph struct {
	name        string
	nodes       map[string]Node
	edges       map[string][]Edge
	startNodeID string
	allowCycles bool
	buildErr    error
}

func New(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: map[string]Node{},
		edges: map[string][]Edge{},
	}
}

func (g *Graph) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

func (g *Graph) AddNode(node Node) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if node == nil {
		g.buildErr = fmt.Errorf("node is nil")
		return g
	}
	id := node.ID()
	if id == "" {
		g.buildErr = fmt.Errorf("node id is required")
		return g
	}
	if id == End {
		g.buildErr = fmt.Errorf("node id %q is reserved", End)
		return g
	}
	if _, exists := g.nodes[id]; exists {
		g.buildErr = fmt.Errorf("node %q already exists", id)
		return g
	}
	g.nodes[id] = node
	return g
}

func (g *Graph) AddEdge(from, to string, condition Condition) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if from == "" || to == "" {
		g.buildErr = fmt.Errorf("edge endpoints are required")
		return g
	}
	g.edges[from] = append(g.edges[from], Edge{From: from, To: to, Condition: condition})
	return g
}

func (g *Graph) SetStart(id string) *Graph {
	if g == nil || g.buildErr != nil {
		return g
	}
	if id == "" {
		g.buildErr = fmt.Errorf("start node id is required")
		return g
	}
	g.startNodeID = id
	return g
}

func (g *Graph) AllowCycles(allow bool) *Graph {
	if g == nil {
		return g
	}
	g.allowCycles = allow
	return g
}

func (g *Graph) Compile() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.buildErr != nil {
		return g.buildErr
	}
	if g.name == "" {
		return fmt.Errorf("graph name is required")
	}
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}
	if g.startNodeID == "" {
		return fmt.Errorf("start node is not set")
	}
	if _, ok := g.nodes[g.startNodeID]; !ok {
		return fmt.Errorf("start node %q does not exist", g.startNodeID)
	}

	for from, edges := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source node %q does not exist", from)
		}
		for _, edge := range edges {
			if edge.To == End {
				continue
			}
			if _, ok := g.nodes[edge.To]; !ok {
				return fmt.Errorf("edge target node %q does not exist", edge.To)
			}
		}
	}

	unreachable := g.unreachableNodes()
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return fmt.Errorf("graph contains unreachable node(s): %v", unreachable)
	}

	if !g.allowCycles && g.hasCycle() {
		return fmt.Errorf("graph contains cycle(s); call AllowCycles(true) to enable")
	}
	return nil
}

// Node looks up a compiled node.
func (g *Graph) Node(id string) (Node, bool) {
	if g == nil {
		return nil, false
	}
	n, ok := g.nodes[id]
	return n, ok
}

// StartNodeID returns the entry node id.
func (g *Graph) StartNodeID() string {
	if g == nil {
		return ""
	}
	return g.startNodeID
}

// Next routes from a node over the committed snapshot: the first edge whose
// condition passes (or has none) wins; no matching edge means End.
func (g *Graph) Next(from string, snap *session.Snapshot) string {
	for _, edge := range g.edges[from] {
		if edge.Condition == nil || edge.Condition(snap) {
			return edge.To
		}
	}
	return End
}

func (g *Graph) unreachableNodes() []string {
	visited := map[string]bool{}
	var dfs func(nodeID string)
	dfs = func(nodeID string) {
		if nodeID == End || visited[nodeID] {
			return
		}
		visited[nodeID] = true
		for _, edge := range g.edges[nodeID] {
			dfs(edge.To)
		}
	}
	dfs(g.startNodeID)

	out := make([]string, 0)
	for nodeID := range g.nodes {
		if !visited[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}

func (g *Graph) hasCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		color[nodeID] = gray
		for _, edge := range g.edges[nodeID] {
			if edge.To == End {
				continue
			}
			switch color[edge.To] {
			case gray:
				return true
			case white:
				if visit(edge.To) {
					return true
				}
			}
		}
		color[nodeID] = black
		return false
	}

	for nodeID := range g.nodes {
		if color[nodeID] == white && visit(nodeID) {
			return true
		}
	}
	return false
}

// ActiveAgentIs routes on the committed routing state.
func ActiveAgentIs(agentID string) Condition {
	return func(snap *session.Snapshot) bool {
		return snap != nil && snap.Routing.ActiveAgent == agentID
	}
}

// EdgeInfo describes an edge for introspection.
type EdgeInfo struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Conditional bool   `json:"conditional"`
}

// EdgeInfos returns metadata about all edges, ordered by source node.
func (g *Graph) EdgeInfos() []EdgeInfo {
	if g == nil {
		return nil
	}
	out := make([]EdgeInfo, 0)
	keys := make([]string, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, from := range keys {
		for _, edge := range g.edges[from] {
			out = append(out, EdgeInfo{From: edge.From, To: edge.To, Conditional: edge.Condition != nil})
		}
	}
	return out
}
