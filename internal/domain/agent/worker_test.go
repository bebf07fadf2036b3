package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/action"
	"navi/internal/domain/plan"
	"navi/internal/domain/task"
	"navi/internal/shared/logging"
)

func workerContext() *TaskContext {
	tc := &TaskContext{
		TaskID:      "task-1",
		Instruction: "open the settings page",
		Mode:        task.ModeNormal,
		Screenshot:  Screenshot{PNG: []byte("shot-1"), Width: 1920, Height: 1080},
		Current:     &plan.Subtask{Name: "Open settings", Info: "Click the gear icon"},
	}
	tc.Plan.Remaining = []plan.Subtask{{Name: "Verify page", Info: "Check the title"}}
	tc.Plan.Completed = []plan.Subtask{{Name: "Log in", Info: "Enter credentials"}}
	return tc
}

func TestWorkerGroundsClick(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, clickReply)
	invoker.push(ToolGrounding, groundingReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	prop, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "I will click the gear icon.", prop.Description)
	assert.False(t, prop.GroundingFailed)
	assert.Equal(t, action.TypeClick, prop.Action.Type)
	require.NotNil(t, prop.Action.XY)
	assert.Equal(t, [2]int{900, 400}, *prop.Action.XY)

	// First turn of a subtask carries the full framing.
	gen := invoker.callsFor(ToolActionGenerator)
	require.Len(t, gen, 1)
	assert.Contains(t, gen[0].Text, "SUBTASK_DESCRIPTION is Open settings")
	assert.Contains(t, gen[0].Text, "TASK_DESCRIPTION is open the settings page")
	assert.Contains(t, gen[0].Text, "FUTURE_TASKS is Verify page")
	assert.Contains(t, gen[0].Text, "DONE_TASKS is Log in")
	assert.Contains(t, gen[0].Text, "Remember only complete the subtask: Open settings")
	assert.True(t, gen[0].HasImage)

	ground := invoker.callsFor(ToolGrounding)
	require.Len(t, ground, 1)
	assert.Contains(t, ground[0].Text, "the gear icon")
	assert.True(t, ground[0].HasImage)
}

func TestWorkerGroundingCacheHitsOnSameScreen(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, clickReply)
	invoker.push(ToolGrounding, groundingReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	_, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	tc.SubtaskSteps = 1

	_, err = w.NextAction(context.Background(), tc)
	require.NoError(t, err)

	// Same screenshot and element: the second turn resolves from cache.
	assert.Len(t, invoker.callsFor(ToolGrounding), 1)
}

func TestWorkerNewScreenInvalidatesGroundingCache(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, clickReply)
	invoker.push(ToolGrounding, groundingReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	_, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)

	tc.Screenshot = Screenshot{PNG: []byte("shot-2"), Width: 1920, Height: 1080}
	tc.SubtaskSteps = 1
	_, err = w.NextAction(context.Background(), tc)
	require.NoError(t, err)

	assert.Len(t, invoker.callsFor(ToolGrounding), 2)
}

func TestWorkerParseFailureDegradesToWait(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, "I am not sure what to do next.")

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	prop, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	assert.True(t, prop.GroundingFailed)
	assert.Equal(t, action.TypeWait, prop.Action.Type)
	assert.Equal(t, 1.0, prop.Action.Seconds)
	assert.Equal(t, 1, tc.GroundingFailures)
}

func TestWorkerOutOfBoundsGroundingDegradesToWait(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, clickReply)
	invoker.push(ToolGrounding, "(5000, 400)")

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	prop, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	assert.True(t, prop.GroundingFailed)
	assert.Equal(t, action.TypeWait, prop.Action.Type)
}

func TestWorkerDragGroundsBothEndpoints(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator,
		"Dragging the file onto the trash.\n```python\nagent.drag_and_drop(starting_description='the report file', ending_description='the trash can')\n```")
	invoker.push(ToolGrounding, "(100, 200)", "(300, 400)")

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()

	prop, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	require.Equal(t, action.TypeDrag, prop.Action.Type)
	require.NotNil(t, prop.Action.Start)
	require.NotNil(t, prop.Action.End)
	assert.Equal(t, [2]int{100, 200}, *prop.Action.Start)
	assert.Equal(t, [2]int{300, 400}, *prop.Action.End)
	assert.Len(t, invoker.callsFor(ToolGrounding), 2)
}

func TestWorkerFastModeUsesFastGenerator(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolFastActionGenerator, bareDoneReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()
	tc.Mode = task.ModeFast

	prop, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)
	assert.True(t, prop.Action.IsDone())
	assert.Empty(t, invoker.callsFor(ToolActionGenerator))
	assert.Len(t, invoker.callsFor(ToolFastActionGenerator), 1)
}

func TestWorkerTakeoverGating(t *testing.T) {
	reply := "Waiting for the user to log in.\n```python\nagent.wait_for_user(time=10)\n```"

	t.Run("rejected without the flag", func(t *testing.T) {
		invoker := newFakeInvoker()
		invoker.push(ToolActionGenerator, reply)

		w := NewWorker(invoker, logging.Nop())
		tc := workerContext()

		prop, err := w.NextAction(context.Background(), tc)
		require.NoError(t, err)
		// Takeover is disabled, so the call degrades to a plain wait.
		assert.True(t, prop.GroundingFailed)
		assert.False(t, prop.Action.ForUser)
	})

	t.Run("honored with the flag", func(t *testing.T) {
		invoker := newFakeInvoker()
		invoker.push(ToolActionGeneratorTO, reply)

		w := NewWorker(invoker, logging.Nop())
		tc := workerContext()
		tc.EnableTakeover = true

		prop, err := w.NextAction(context.Background(), tc)
		require.NoError(t, err)
		assert.False(t, prop.GroundingFailed)
		assert.True(t, prop.Action.ForUser)
		assert.Equal(t, 10.0, prop.Action.Seconds)
	})
}

func TestWorkerReflectionFeedsNextTurn(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, bareDoneReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()
	tc.SubtaskSteps = 2
	tc.LastReflection = "the last click missed the button"

	_, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)

	gen := invoker.callsFor(ToolActionGenerator)
	require.Len(t, gen, 1)
	assert.Contains(t, gen[0].Text, "You may use this reflection on the previous action and overall trajectory: the last click missed the button")
	// Past the first turn the subtask framing is omitted.
	assert.NotContains(t, gen[0].Text, "SUBTASK_DESCRIPTION")
}

func TestWorkerMessageCarriesRecentOutcomes(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolActionGenerator, bareDoneReply)

	w := NewWorker(invoker, logging.Nop())
	tc := workerContext()
	tc.SubtaskSteps = 2
	xy := [2]int{10, 20}
	tc.Trail = []action.Record{
		{Step: 1, Action: action.Action{Type: action.TypeClick, XY: &xy}, Success: true, Description: "Clicked the menu."},
		{Step: 2, Action: action.Action{Type: action.TypeType, Text: "hello"}, Success: false, Error: "element not found"},
	}

	_, err := w.NextAction(context.Background(), tc)
	require.NoError(t, err)

	gen := invoker.callsFor(ToolActionGenerator)
	require.Len(t, gen, 1)
	assert.Contains(t, gen[0].Text, "Recent actions:")
	assert.Contains(t, gen[0].Text, "1. ✓ click - Clicked the menu.")
	assert.Contains(t, gen[0].Text, "2. ✗ type (element not found)")
}
