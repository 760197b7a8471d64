package graph

import (
	"fmt"

	"github.com/latticehq/conduct/session"
	"github.com/latticehq/conduct/team"
)

// Build assembles and compiles the graph for the team's execution mode.
func Build(def *team.Definition) (*Graph, error) {
	var g *Graph
	switch def.Mode() {
	case team.ModeSequential:
		g = BuildSequential(def)
	case team.ModeDynamic:
		g = BuildDynamic(def)
	case team.ModeHierarchical:
		g = BuildHierarchical(def)
	case team.ModeMapReduce:
		g = BuildMapReduce(def)
	case team.ModeReact:
		g = BuildReact(def)
	default:
		return nil, fmt.Errorf("graph: unknown mode %q", def.Mode())
	}
	if err := g.Compile(); err != nil {
		return nil, err
	}
	return g, nil
}

// BuildSequential chains the agents in declaration order. No conditions:
// each agent runs exactly once and the last one ends the run.
func BuildSequential(def *team.Definition) *Graph {
	g := New("sequential")
	order := def.Order()
	for _, id := range order {
		g.AddNode(NewAgentNode(id))
	}
	for i := 0; i < len(order)-1; i++ {
		g.AddEdge(order[i], order[i+1], nil)
	}
	g.SetStart(order[0])
	return g
}

// BuildDynamic lets any agent hand control to any teammate. Routing follows
// the active agent set by delegation; an agent that finishes without
// delegating ends the run.
func BuildDynamic(def *team.Definition) *Graph {
	g := New("dynamic").AllowCycles(true)
	order := def.Order()
	for _, id := range order {
		g.AddNode(NewAgentNode(id))
	}
	for _, from := range order {
		for _, to := range order {
			if from == to {
				continue
			}
			g.AddEdge(from, to, ActiveAgentIs(to))
		}
	}
	g.SetStart(order[0])
	return g
}

// BuildHierarchical routes every hand-off through the entry agent: only it
// may delegate, and workers always return to it when they finish.
func BuildHierarchical(def *team.Definition) *Graph {
	g := New("hierarchical").AllowCycles(true)
	order := def.Order()
	entry := def.Entry()
	for _, id := range order {
		g.AddNode(NewAgentNode(id))
	}
	for _, id := range order {
		if id == entry {
			continue
		}
		g.AddEdge(entry, id, ActiveAgentIs(id))
		g.AddEdge(id, entry, nil)
	}
	g.SetStart(entry)
	return g
}

// BuildMapReduce wires the three fixed stages: plan, fan-out, reduce. The
// fan-out only runs when the planner produced tasks; a failed plan falls
// through to the end.
func BuildMapReduce(def *team.Definition) *Graph {
	g := New("mapreduce")
	g.AddNode(PlanNode{})
	g.AddNode(FanoutNode{})
	g.AddNode(ReduceNode{})
	g.AddEdge(NodePlan, NodeFanout, hasMapTasks)
	g.AddEdge(NodeFanout, NodeReduce, nil)
	g.SetStart(NodePlan)
	return g
}

// BuildReact is a single controller looping on itself while an active
// agent is chosen.
func BuildReact(def *team.Definition) *Graph {
	g := New("react").AllowCycles(true)
	g.AddNode(ControllerNode{})
	g.AddEdge(NodeController, NodeController, agentActive)
	g.SetStart(NodeController)
	return g
}

func hasMapTasks(snap *session.Snapshot) bool {
	return snap != nil && snap.MapReduce != nil && len(snap.MapReduce.Tasks) > 0
}

func agentActive(snap *session.Snapshot) bool {
	return snap != nil && snap.Routing.ActiveAgent != ""
}
