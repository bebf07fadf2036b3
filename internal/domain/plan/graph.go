package plan

import (
	"encoding/json"
	"fmt"

	"navi/internal/shared/jsonx"
)

// Graph is the dependency DAG over subtasks. Edges are index pairs into
// Nodes; an edge (a, b) means a must precede b. Node order follows the
// planner's textual plan and breaks ties during ordering.
type Graph struct {
	Nodes []Subtask
	Edges [][2]int
}

type wireNode struct {
	Name string `json:"name"`
	Info string `json:"info"`
}

type wireGraph struct {
	Nodes []wireNode   `json:"nodes"`
	Edges [][]wireNode `json:"edges"`
}

// ParseGraph extracts the dependency graph from translator tool output. It
// accepts the payload under a "dag" key, at the top level, or nested under
// any single key, and repairs malformed JSON once. Unknown node references
// in edges are an error; callers degrade to the linear plan.
func ParseGraph(text string) (*Graph, error) {
	var payload map[string]json.RawMessage
	if err := jsonx.DecodeLoose(text, &payload); err != nil {
		return nil, fmt.Errorf("decode graph payload: %w", err)
	}

	wire, err := locateGraph(payload)
	if err != nil {
		return nil, err
	}
	if len(wire.Nodes) == 0 {
		return nil, fmt.Errorf("graph has no nodes")
	}

	graph := &Graph{Nodes: make([]Subtask, len(wire.Nodes))}
	index := make(map[string]int, len(wire.Nodes))
	for i, node := range wire.Nodes {
		if node.Name == "" {
			return nil, fmt.Errorf("node %d has no name", i)
		}
		if _, dup := index[node.Name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", node.Name)
		}
		graph.Nodes[i] = Subtask{Name: node.Name, Info: node.Info}
		index[node.Name] = i
	}

	for i, edge := range wire.Edges {
		if len(edge) != 2 {
			return nil, fmt.Errorf("edge %d has %d endpoints", i, len(edge))
		}
		from, ok := index[edge[0].Name]
		if !ok {
			return nil, fmt.Errorf("edge %d references unknown node %q", i, edge[0].Name)
		}
		to, ok := index[edge[1].Name]
		if !ok {
			return nil, fmt.Errorf("edge %d references unknown node %q", i, edge[1].Name)
		}
		graph.Edges = append(graph.Edges, [2]int{from, to})
	}

	return graph, nil
}

func locateGraph(payload map[string]json.RawMessage) (*wireGraph, error) {
	if raw, ok := payload["dag"]; ok {
		var wire wireGraph
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("decode dag value: %w", err)
		}
		return &wire, nil
	}

	// Top-level {nodes, edges}.
	if _, hasNodes := payload["nodes"]; hasNodes {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		var wire wireGraph
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("decode top-level graph: %w", err)
		}
		return &wire, nil
	}

	// Graph nested under some other key.
	for _, raw := range payload {
		var wire wireGraph
		if err := json.Unmarshal(raw, &wire); err != nil {
			continue
		}
		if len(wire.Nodes) > 0 {
			return &wire, nil
		}
	}
	return nil, fmt.Errorf("no graph structure found")
}

// TopologicalOrder returns the subtasks in dependency order using Kahn's
// algorithm. Among ready nodes the earliest node in textual plan order wins,
// so identical inputs always yield the same queue. A cycle is an error.
func (g *Graph) TopologicalOrder() ([]Subtask, error) {
	n := len(g.Nodes)
	indegree := make([]int, n)
	successors := make([][]int, n)
	for _, edge := range g.Edges {
		from, to := edge[0], edge[1]
		if from == to {
			return nil, fmt.Errorf("self-edge on node %q", g.Nodes[from].Name)
		}
		successors[from] = append(successors[from], to)
		indegree[to]++
	}

	emitted := make([]bool, n)
	order := make([]Subtask, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !emitted[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, fmt.Errorf("dependency cycle detected")
		}
		emitted[next] = true
		order = append(order, g.Nodes[next])
		for _, succ := range successors[next] {
			indegree[succ]--
		}
	}
	return order, nil
}
