package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"navi/internal/domain/action"
	"navi/internal/domain/plan"
	"navi/internal/domain/task"
	"navi/internal/shared/logging"
)

const groundingCacheSize = 256

// Proposal is one worker turn: the generator's narrative plus the grounded
// neutral action. Parse and grounding failures never abort the turn; they
// degrade to a one-second wait so the reflector can see the stall.
type Proposal struct {
	Description     string
	Raw             string
	Action          action.Action
	GroundingFailed bool
}

// Worker produces the next action for the current subtask and resolves
// element descriptions to screen coordinates.
type Worker struct {
	invoker ToolInvoker
	logger  logging.Logger
	cache   *lru.Cache[string, [2]int]
}

func NewWorker(invoker ToolInvoker, logger logging.Logger) *Worker {
	// lru.New only errors on a non-positive size.
	cache, _ := lru.New[string, [2]int](groundingCacheSize)
	return &Worker{invoker: invoker, logger: logging.OrNop(logger), cache: cache}
}

// NextAction runs one generate-parse-ground turn for tc.Current.
func (w *Worker) NextAction(ctx context.Context, tc *TaskContext) (Proposal, error) {
	msg := w.composeMessage(tc)
	tool := generatorTool(tc.Mode, tc.EnableTakeover)

	res, err := invokeTool(ctx, w.invoker, w.logger, tool, msg, tc.Screenshot.PNG)
	if err != nil {
		return Proposal{}, fmt.Errorf("%s: %w", tool, err)
	}
	tc.AddUsage(res)
	tc.Converse("user", msg)
	tc.Converse("assistant", res.Text)

	prop := Proposal{Raw: res.Text, Description: describePlan(res.Text)}

	call, err := action.ParseCall(res.Text)
	if err != nil {
		w.logger.Warn("Action parse failed, substituting wait: %v", err)
		tc.GroundingFailures++
		prop.Action = action.Wait(1)
		prop.GroundingFailed = true
		return prop, nil
	}
	act, err := action.FromCall(call, tc.EnableTakeover)
	if err != nil {
		w.logger.Warn("Unsupported action %q, substituting wait: %v", call.Name, err)
		tc.GroundingFailures++
		prop.Action = action.Wait(1)
		prop.GroundingFailed = true
		return prop, nil
	}

	if act.NeedsGrounding() {
		grounded, err := w.ground(ctx, tc, act)
		if err != nil {
			w.logger.Warn("Grounding failed for step %d: %v", tc.Step+1, err)
			tc.GroundingFailures++
			prop.Action = action.Wait(1)
			prop.GroundingFailed = true
			return prop, nil
		}
		act = grounded
	}

	prop.Action = act
	return prop, nil
}

// ground resolves every element description on act to pixel coordinates.
func (w *Worker) ground(ctx context.Context, tc *TaskContext, act action.Action) (action.Action, error) {
	switch act.Type {
	case action.TypeClick, action.TypeScroll, action.TypeType:
		xy, err := w.resolve(ctx, tc, act.Element)
		if err != nil {
			return act, err
		}
		act.XY = &xy
	case action.TypeDrag:
		start, err := w.resolve(ctx, tc, act.StartElement)
		if err != nil {
			return act, err
		}
		end, err := w.resolve(ctx, tc, act.EndElement)
		if err != nil {
			return act, err
		}
		act.Start = &start
		act.End = &end
	}
	if !act.InBounds(tc.Screenshot.Width, tc.Screenshot.Height) {
		return act, fmt.Errorf("coordinates outside %dx%d screenshot",
			tc.Screenshot.Width, tc.Screenshot.Height)
	}
	return act, nil
}

// resolve grounds one element description, consulting the per-screenshot
// LRU cache first.
func (w *Worker) resolve(ctx context.Context, tc *TaskContext, element string) ([2]int, error) {
	key := HashImage(tc.Screenshot.PNG) + "|" + element
	if xy, ok := w.cache.Get(key); ok {
		return xy, nil
	}

	res, err := invokeTool(ctx, w.invoker, w.logger, ToolGrounding, groundingQuery(element), tc.Screenshot.PNG)
	if err != nil {
		return [2]int{}, err
	}
	tc.AddUsage(res)

	xy, err := parseCoordinates(res.Text)
	if err != nil {
		return [2]int{}, fmt.Errorf("element %q: %w", element, err)
	}
	if tc.Screenshot.Width > 0 && tc.Screenshot.Height > 0 {
		if xy[0] < 0 || xy[0] >= tc.Screenshot.Width || xy[1] < 0 || xy[1] >= tc.Screenshot.Height {
			return [2]int{}, fmt.Errorf("element %q grounded out of bounds at (%d,%d)", element, xy[0], xy[1])
		}
	}
	w.cache.Add(key, xy)
	return xy, nil
}

func groundingQuery(element string) string {
	return fmt.Sprintf("Visual grounding. Query: %s\n"+
		"Locate the exact element described by the query in the screenshot and return "+
		"one representative pixel coordinate inside it. Respond with exactly two "+
		"integers like (x, y) and nothing else.", element)
}

var coordinatePattern = regexp.MustCompile(`\d+`)

// parseCoordinates extracts the first two integers from the grounder reply.
func parseCoordinates(text string) ([2]int, error) {
	nums := coordinatePattern.FindAllString(text, 2)
	if len(nums) < 2 {
		return [2]int{}, fmt.Errorf("no coordinate pair in %q", strings.TrimSpace(text))
	}
	x, err := strconv.Atoi(nums[0])
	if err != nil {
		return [2]int{}, err
	}
	y, err := strconv.Atoi(nums[1])
	if err != nil {
		return [2]int{}, err
	}
	return [2]int{x, y}, nil
}

// composeMessage builds the generator turn message: reflection first, then
// the subtask framing on the first turn of each subtask, then the recent
// outcome trail.
func (w *Worker) composeMessage(tc *TaskContext) string {
	var b strings.Builder

	if tc.LastReflection != "" {
		fmt.Fprintf(&b, "You may use this reflection on the previous action and overall trajectory: %s\n\n", tc.LastReflection)
	}

	if tc.SubtaskSteps == 0 && tc.Current != nil {
		fmt.Fprintf(&b, "SUBTASK_DESCRIPTION is %s\n\n", tc.Current.Name)
		fmt.Fprintf(&b, "TASK_DESCRIPTION is %s\n\n", tc.Instruction)
		fmt.Fprintf(&b, "FUTURE_TASKS is %s\n\n", strings.Join(plan.Names(tc.Plan.Remaining), ", "))
		fmt.Fprintf(&b, "DONE_TASKS is %s\n\n", strings.Join(plan.Names(tc.Plan.Completed), ","))
		fmt.Fprintf(&b, "Remember only complete the subtask: %s\n", tc.Current.Name)
		fmt.Fprintf(&b, "You can use this extra information for completing the current subtask: %s.\n", tc.Current.Info)
	}

	if recent := tc.RecentTrail(5); len(recent) > 0 {
		b.WriteString("\nRecent actions:\n")
		for _, rec := range recent {
			mark := "✓"
			if !rec.Success {
				mark = "✗"
			}
			fmt.Fprintf(&b, "%d. %s %s", rec.Step, mark, rec.Action.Type)
			if rec.Description != "" {
				fmt.Fprintf(&b, " - %s", firstSentence(rec.Description))
			}
			if rec.Error != "" {
				fmt.Fprintf(&b, " (%s)", rec.Error)
			}
			b.WriteByte('\n')
		}
	}

	if b.Len() == 0 {
		b.WriteString("Decide on the next action for the current subtask.\n")
	}
	return b.String()
}

func generatorTool(mode task.Mode, takeover bool) string {
	if mode == task.ModeFast {
		if takeover {
			return ToolFastActionGeneratorTO
		}
		return ToolFastActionGenerator
	}
	if takeover {
		return ToolActionGeneratorTO
	}
	return ToolActionGenerator
}

// describePlan pulls the narrative portion of the generator output: the
// text before the first fenced code block, else the first non-empty line.
func describePlan(raw string) string {
	text := raw
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "(") {
			continue
		}
		return line
	}
	return ""
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.Index(s, sep); idx >= 0 {
			return s[:idx+1]
		}
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
