package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanQueueOps(t *testing.T) {
	p := New([]Subtask{{Name: "open settings"}, {Name: "toggle dark mode"}})
	assert.False(t, p.Empty())

	first, ok := p.Pop()
	require.True(t, ok)
	assert.Equal(t, "open settings", first.Name)
	p.Complete(first)

	second, ok := p.Pop()
	require.True(t, ok)
	p.Fail(second)

	assert.True(t, p.Empty())
	_, ok = p.Pop()
	assert.False(t, ok)

	assert.Len(t, p.Completed, 1)
	assert.Len(t, p.Failed, 1)

	// Replanning replaces the queue but keeps history.
	p.Replace([]Subtask{{Name: "retry toggle"}})
	assert.False(t, p.Empty())
	assert.Len(t, p.Completed, 1)
	assert.Len(t, p.Failed, 1)
}

func TestPlanCloneIsIndependent(t *testing.T) {
	p := New([]Subtask{{Name: "a"}, {Name: "b"}})
	clone := p.Clone()
	clone.Pop()
	clone.Complete(Subtask{Name: "a"})

	assert.Len(t, p.Remaining, 2)
	assert.Empty(t, p.Completed)
}

func TestMarshalSnapshotHasStableShape(t *testing.T) {
	var p Plan
	assert.JSONEq(t, `{"completed":[],"remaining":[],"failed":[]}`, string(p.MarshalSnapshot()))

	p.Remaining = []Subtask{{Name: "open settings", Info: "use the gear icon"}}
	assert.JSONEq(t,
		`{"completed":[],"remaining":[{"name":"open settings","info":"use the gear icon"}],"failed":[]}`,
		string(p.MarshalSnapshot()))
}

func TestParseLinearNumberedWithDetails(t *testing.T) {
	text := `Plan:
1. Open settings: click the gear icon
   - wait for the page to load
2) Toggle dark mode
Step 3: Confirm the change
`
	subtasks := ParseLinear(text)
	require.Len(t, subtasks, 3)
	assert.Equal(t, "Open settings", subtasks[0].Name)
	assert.Equal(t, "click the gear icon; wait for the page to load", subtasks[0].Info)
	assert.Equal(t, "Toggle dark mode", subtasks[1].Name)
	// Steps without details fall back to the name.
	assert.Equal(t, "Toggle dark mode", subtasks[1].Info)
	assert.Equal(t, "Confirm the change", subtasks[2].Name)
}

func TestParseLinearBulletOnlyPlan(t *testing.T) {
	subtasks := ParseLinear("- open the app\n- sign in\n")
	require.Len(t, subtasks, 2)
	assert.Equal(t, "open the app", subtasks[0].Name)
	assert.Equal(t, "sign in", subtasks[1].Name)
}

func TestParseLinearUnusableText(t *testing.T) {
	assert.Empty(t, ParseLinear("I could not produce a plan."))
	assert.Empty(t, ParseLinear(""))
}

func TestParseGraphFromDagKey(t *testing.T) {
	text := "```json\n" + `{
  "dag": {
    "nodes": [
      {"name": "setup", "info": "open the app"},
      {"name": "download", "info": "fetch the file"},
      {"name": "install", "info": "run the installer"},
      {"name": "verify", "info": "check the version"}
    ],
    "edges": [
      [{"name": "setup"}, {"name": "download"}],
      [{"name": "setup"}, {"name": "install"}],
      [{"name": "download"}, {"name": "verify"}],
      [{"name": "install"}, {"name": "verify"}]
    ]
  }
}` + "\n```"

	graph, err := ParseGraph(text)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 4)
	require.Len(t, graph.Edges, 4)

	order, err := graph.TopologicalOrder()
	require.NoError(t, err)
	// Ties break by textual plan order, so the result is deterministic.
	assert.Equal(t, []string{"setup", "download", "install", "verify"}, Names(order))
}

func TestParseGraphTopLevelNodes(t *testing.T) {
	graph, err := ParseGraph(`{"nodes": [{"name": "only step", "info": ""}], "edges": []}`)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, "only step", graph.Nodes[0].Name)
}

func TestParseGraphRejectsBadShapes(t *testing.T) {
	_, err := ParseGraph(`{"dag": {"nodes": [], "edges": []}}`)
	assert.Error(t, err)

	_, err = ParseGraph(`{"dag": {"nodes": [{"name": "a"}, {"name": "a"}], "edges": []}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = ParseGraph(`{"dag": {"nodes": [{"name": "a"}], "edges": [[{"name": "a"}, {"name": "ghost"}]]}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node")

	_, err = ParseGraph("no json at all")
	assert.Error(t, err)
}

func TestTopologicalOrderDetectsCycles(t *testing.T) {
	g := &Graph{
		Nodes: []Subtask{{Name: "a"}, {Name: "b"}},
		Edges: [][2]int{{0, 1}, {1, 0}},
	}
	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	g = &Graph{Nodes: []Subtask{{Name: "a"}}, Edges: [][2]int{{0, 0}}}
	_, err = g.TopologicalOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "self-edge")
}
