package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"navi/internal/domain/action"
	"navi/internal/domain/plan"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

func reflectorContext(step int) *TaskContext {
	return &TaskContext{
		TaskID:       "task-1",
		Instruction:  "open the settings page",
		Step:         step,
		SubtaskSteps: step,
		Screenshot:   Screenshot{PNG: []byte("shot"), Width: 1920, Height: 1080},
		Current:      &plan.Subtask{Name: "Open settings", Info: "Click the gear icon"},
	}
}

func repeatedClicks(n int) []action.Record {
	xy := [2]int{900, 400}
	recs := make([]action.Record, n)
	for i := range recs {
		recs[i] = action.Record{
			Step:    i + 1,
			Action:  action.Action{Type: action.TypeClick, XY: &xy, Count: 1, Button: action.ButtonLeft},
			Success: true,
		}
	}
	return recs
}

func TestReflectorRuleDetectsRepeatedActions(t *testing.T) {
	r := NewReflector(newFakeInvoker(), DefaultReflectionPeriod, logging.Nop())
	tc := reflectorContext(3)
	tc.Trail = repeatedClicks(3)

	report := r.Review(context.Background(), tc)
	assert.Equal(t, StatusConcerning, report.Status)
	assert.Equal(t, RecommendAdjust, report.Recommendation)
	assert.Equal(t, "rules", report.Source)
	require.NotEmpty(t, report.Issues)
	assert.Contains(t, report.Issues[0], "identical actions")
}

func TestReflectorRuleSubtaskOverrunRecommendsReplan(t *testing.T) {
	r := NewReflector(newFakeInvoker(), DefaultReflectionPeriod, logging.Nop())
	tc := reflectorContext(11)
	tc.SubtaskSteps = 11

	report := r.Review(context.Background(), tc)
	assert.Equal(t, StatusConcerning, report.Status)
	assert.Equal(t, RecommendReplan, report.Recommendation)
	assert.Contains(t, report.Issues[0], `subtask "Open settings"`)
}

func TestReflectorRuleDetectsStalledScreen(t *testing.T) {
	r := NewReflector(newFakeInvoker(), DefaultReflectionPeriod, logging.Nop())
	tc := reflectorContext(3)
	for i := 0; i < 3; i++ {
		tc.ObserveScreenshot(Screenshot{PNG: []byte("same-frame"), Width: 1920, Height: 1080})
	}

	report := r.Review(context.Background(), tc)
	assert.Equal(t, StatusConcerning, report.Status)
	require.NotEmpty(t, report.Issues)
	assert.Contains(t, report.Issues[0], "screen unchanged")
}

func TestReflectorQuietStepsPass(t *testing.T) {
	r := NewReflector(newFakeInvoker(), DefaultReflectionPeriod, logging.Nop())
	tc := reflectorContext(3)

	// No rule trips and step 3 is off-period, so no tool call happens.
	report := r.Review(context.Background(), tc)
	assert.Equal(t, StatusGood, report.Status)
	assert.Equal(t, RecommendContinue, report.Recommendation)
	assert.Equal(t, "rules", report.Source)
	assert.Empty(t, report.Issues)
}

func TestReflectorConsultsModelOnPeriod(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolTrajReflector,
		"status: concerning\nrecommendation: adjust\nconfidence: 0.8\nissues: wrong menu is open; cursor misplaced\nsuggestions: go back to the home screen")

	r := NewReflector(invoker, 5, logging.Nop())
	tc := reflectorContext(5)

	report := r.Review(context.Background(), tc)
	assert.Equal(t, "model", report.Source)
	assert.Equal(t, StatusConcerning, report.Status)
	assert.Equal(t, RecommendAdjust, report.Recommendation)
	assert.Equal(t, 0.8, report.Confidence)
	assert.Equal(t, []string{"wrong menu is open", "cursor misplaced"}, report.Issues)
	assert.Equal(t, []string{"go back to the home screen"}, report.Suggestions)

	calls := invoker.callsFor(ToolTrajReflector)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Text, "Subtask: Open settings")
	assert.True(t, calls[0].HasImage)
}

func TestReflectorKeywordFallbackParsing(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolTrajReflector, "The trajectory looks fine so far, CONTINUE as planned.")

	r := NewReflector(invoker, 5, logging.Nop())
	report := r.Review(context.Background(), reflectorContext(5))

	assert.Equal(t, StatusGood, report.Status)
	assert.Equal(t, RecommendContinue, report.Recommendation)
	assert.Equal(t, 0.5, report.Confidence)
}

func TestReflectorReplanKeywordOutranksContinue(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.push(ToolTrajReflector, "We could continue, but honestly a replan is the safer move here.")

	r := NewReflector(invoker, 5, logging.Nop())
	report := r.Review(context.Background(), reflectorContext(5))

	assert.Equal(t, RecommendReplan, report.Recommendation)
	assert.Equal(t, StatusConcerning, report.Status)
}

func TestReflectorToolFailureNeverAborts(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.fail(ToolTrajReflector, errors.ToolBudgetf("budget exhausted for traj_reflector"))

	r := NewReflector(invoker, 5, logging.Nop())
	report := r.Review(context.Background(), reflectorContext(5))

	assert.Equal(t, StatusGood, report.Status)
	assert.Equal(t, RecommendContinue, report.Recommendation)
	require.NotEmpty(t, report.Issues)
	assert.Contains(t, report.Issues[0], "tool budget exhausted")
}

func TestReflectorOffPeriodSkipsModel(t *testing.T) {
	invoker := newFakeInvoker()
	r := NewReflector(invoker, 5, logging.Nop())

	report := r.Review(context.Background(), reflectorContext(4))
	assert.Equal(t, StatusGood, report.Status)
	assert.Empty(t, invoker.callsFor(ToolTrajReflector))
}
