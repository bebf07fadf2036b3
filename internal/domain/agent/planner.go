package agent

import (
	"context"
	"fmt"
	"strings"

	"navi/internal/domain/plan"
	"navi/internal/shared/logging"
)

// Planner turns an instruction plus the current observation into an
// ordered subtask queue. It is stateless; all progress lives in the
// TaskContext.
type Planner struct {
	invoker ToolInvoker
	logger  logging.Logger
}

func NewPlanner(invoker ToolInvoker, logger logging.Logger) *Planner {
	return &Planner{invoker: invoker, logger: logging.OrNop(logger)}
}

// InitialPlan produces the first subtask queue. Knowledge retrieval runs
// only here, and only when search is enabled for the task; retrieval
// failures downgrade to planning without knowledge.
func (p *Planner) InitialPlan(ctx context.Context, tc *TaskContext) ([]plan.Subtask, error) {
	if tc.EnableSearch && tc.Knowledge == "" {
		tc.Knowledge = p.retrieveKnowledge(ctx, tc)
	}
	return p.plan(ctx, tc, "Please generate the initial plan for the task.\n")
}

// Replan produces a fresh queue for the remainder of the trajectory after
// a subtask failure or a reflector replan recommendation.
func (p *Planner) Replan(ctx context.Context, tc *TaskContext) ([]plan.Subtask, error) {
	var msg strings.Builder
	if len(tc.Plan.Failed) > 0 {
		last := tc.Plan.Failed[len(tc.Plan.Failed)-1]
		fmt.Fprintf(&msg, "The subtask %q cannot be completed. Please generate a new plan for the remainder of the trajectory.\n\n", last.Name)
	} else {
		msg.WriteString("The current trajectory and desktop state is provided. Please revise the plan for the following trajectory.\n\n")
	}
	fmt.Fprintf(&msg, "Successfully Completed Subtasks:\n%s\n", formatSubtasks(tc.Plan.Completed))
	if len(tc.Plan.Remaining) > 0 {
		fmt.Fprintf(&msg, "Future Remaining Subtasks:\n%s\n", formatSubtasks(tc.Plan.Remaining))
	}
	return p.plan(ctx, tc, msg.String())
}

func (p *Planner) plan(ctx context.Context, tc *TaskContext, framing string) ([]plan.Subtask, error) {
	var msg strings.Builder
	fmt.Fprintf(&msg, "Task: %s\n\n", tc.Instruction)
	if tc.Knowledge != "" {
		fmt.Fprintf(&msg, "You may refer to some retrieved knowledge if you think they are useful.\n%s\n\n", tc.Knowledge)
	}
	msg.WriteString(framing)

	res, err := invokeTool(ctx, p.invoker, p.logger, ToolSubtaskPlanner, msg.String(), tc.Screenshot.PNG)
	if err != nil {
		return nil, fmt.Errorf("subtask planner: %w", err)
	}
	tc.AddUsage(res)
	tc.Converse("user", msg.String())
	tc.Converse("assistant", res.Text)
	if strings.TrimSpace(res.Text) == "" {
		return nil, fmt.Errorf("subtask planner returned an empty plan")
	}
	p.logger.Info("High level plan:\n%s", res.Text)

	queue, err := p.translate(ctx, tc, res.Text)
	if err != nil {
		// Malformed or cyclic graphs degrade to the textual plan order.
		p.logger.Warn("DAG translation failed, using linear plan order: %v", err)
		queue = plan.ParseLinear(res.Text)
	}
	if len(queue) == 0 {
		return nil, fmt.Errorf("plan produced no subtasks")
	}
	return queue, nil
}

func (p *Planner) translate(ctx context.Context, tc *TaskContext, planText string) ([]plan.Subtask, error) {
	input := fmt.Sprintf("Instruction: %s\nPlan: %s", tc.Instruction, planText)
	res, err := invokeTool(ctx, p.invoker, p.logger, ToolDAGTranslator, input, nil)
	if err != nil {
		return nil, err
	}
	tc.AddUsage(res)
	tc.Converse("assistant", res.Text)

	graph, err := plan.ParseGraph(res.Text)
	if err != nil {
		return nil, err
	}
	return graph.TopologicalOrder()
}

// retrieveKnowledge runs query formulation, web search, and fusion. Any
// stage failing returns what the earlier stages produced.
func (p *Planner) retrieveKnowledge(ctx context.Context, tc *TaskContext) string {
	query, err := invokeTool(ctx, p.invoker, p.logger, ToolQueryFormulator, tc.Instruction, tc.Screenshot.PNG)
	if err != nil {
		p.logger.Warn("Query formulation failed: %v", err)
		return ""
	}
	tc.AddUsage(query)
	searchQuery := strings.TrimSpace(query.Text)
	if searchQuery == "" {
		return ""
	}
	p.logger.Info("Search query: %s", searchQuery)

	web, err := invokeTool(ctx, p.invoker, p.logger, ToolWebSearch, searchQuery, nil)
	if err != nil {
		p.logger.Warn("Web search failed: %v", err)
		return ""
	}
	tc.AddUsage(web)
	if strings.TrimSpace(web.Text) == "" {
		return ""
	}

	fusionInput := fmt.Sprintf("Task: %s\nWeb knowledge:\n%s", tc.Instruction, web.Text)
	fused, err := invokeTool(ctx, p.invoker, p.logger, ToolContextFusion, fusionInput, tc.Screenshot.PNG)
	if err != nil {
		p.logger.Warn("Context fusion failed, using raw web knowledge: %v", err)
		return web.Text
	}
	tc.AddUsage(fused)
	if strings.TrimSpace(fused.Text) == "" {
		return web.Text
	}
	return fused.Text
}

// formatSubtasks renders a numbered list the planner prompt consumes.
func formatSubtasks(subtasks []plan.Subtask) string {
	if len(subtasks) == 0 {
		return "(none)\n"
	}
	var b strings.Builder
	for i, s := range subtasks {
		fmt.Fprintf(&b, "%d. **%s**:\n   - %s\n", i+1, s.Name, s.Info)
	}
	return b.String()
}
