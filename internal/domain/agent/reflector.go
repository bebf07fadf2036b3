package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"navi/internal/domain/action"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
)

// Quality statuses and recommendations.
const (
	StatusGood       = "good"
	StatusConcerning = "concerning"
	StatusCritical   = "critical"

	RecommendContinue = "continue"
	RecommendAdjust   = "adjust"
	RecommendReplan   = "replan"
)

// DefaultReflectionPeriod is how many steps pass between semantic
// trajectory reviews.
const DefaultReflectionPeriod = 5

// QualityReport is the reflector verdict for one step.
type QualityReport struct {
	Step           int       `json:"step"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	Recommendation string    `json:"recommendation"`
	Confidence     float64   `json:"confidence"`
	Issues         []string  `json:"issues,omitempty"`
	Suggestions    []string  `json:"suggestions,omitempty"`
	Source         string    `json:"source"`
}

// Reflector judges trajectory quality. Cheap rules run after every action;
// the trajectory reflector tool runs every period steps.
type Reflector struct {
	invoker ToolInvoker
	logger  logging.Logger
	period  int
}

func NewReflector(invoker ToolInvoker, period int, logger logging.Logger) *Reflector {
	if period <= 0 {
		period = DefaultReflectionPeriod
	}
	return &Reflector{invoker: invoker, logger: logging.OrNop(logger), period: period}
}

// Review produces a QualityReport for the step just executed. It never
// returns an error; reflection failures degrade to a continue verdict with
// the failure recorded as an issue.
func (r *Reflector) Review(ctx context.Context, tc *TaskContext) QualityReport {
	if report, triggered := r.applyRules(tc); triggered {
		return report
	}

	if tc.Step > 0 && tc.Step%r.period == 0 {
		report, err := r.consult(ctx, tc)
		if err == nil {
			return report
		}
		issue := fmt.Sprintf("trajectory reflection failed: %v", err)
		if errors.IsToolBudget(err) {
			issue = "trajectory reflection skipped: tool budget exhausted"
		}
		r.logger.Warn("%s", issue)
		return r.report(tc, StatusGood, RecommendContinue, 1, []string{issue}, "rules")
	}

	return r.report(tc, StatusGood, RecommendContinue, 1, nil, "rules")
}

// applyRules runs the fast deterministic checks. The step-budget rule
// outranks the repetition and stalled-screen rules.
func (r *Reflector) applyRules(tc *TaskContext) (QualityReport, bool) {
	var issues []string
	recommendation := RecommendAdjust

	if tc.SubtaskSteps > 10 {
		name := ""
		if tc.Current != nil {
			name = tc.Current.Name
		}
		issues = append(issues, fmt.Sprintf("more than 10 steps spent on subtask %q", name))
		recommendation = RecommendReplan
	}
	if identicalActions(tc.RecentTrail(3)) {
		issues = append(issues, "3 consecutive identical actions")
	}
	if tc.ScreenUnchanged(3) {
		issues = append(issues, "screen unchanged for 3 consecutive steps")
	}

	if len(issues) == 0 {
		return QualityReport{}, false
	}
	return r.report(tc, StatusConcerning, recommendation, 1, issues, "rules"), true
}

// consult asks the trajectory reflector tool for a semantic judgment.
func (r *Reflector) consult(ctx context.Context, tc *TaskContext) (QualityReport, error) {
	var b strings.Builder
	if tc.Current != nil {
		fmt.Fprintf(&b, "Subtask: %s\n%s\n\n", tc.Current.Name, tc.Current.Info)
	}
	if recent := tc.RecentTrail(5); len(recent) > 0 {
		b.WriteString("Recent actions:\n")
		for _, rec := range recent {
			outcome := "ok"
			if !rec.Success {
				outcome = "failed: " + rec.Error
			}
			fmt.Fprintf(&b, "%d. %s (%s)\n", rec.Step, rec.Action.Type, outcome)
		}
	}
	b.WriteString("\nAssess whether the trajectory is making progress on the subtask.\n")
	b.WriteString("Reply with these lines:\n")
	b.WriteString("status: good|concerning|critical\n")
	b.WriteString("recommendation: continue|adjust|replan\n")
	b.WriteString("issues: <optional, semicolon separated>\n")

	res, err := invokeTool(ctx, r.invoker, r.logger, ToolTrajReflector, b.String(), tc.Screenshot.PNG)
	if err != nil {
		return QualityReport{}, err
	}
	tc.AddUsage(res)
	tc.Converse("assistant", res.Text)

	report := r.parseReflection(tc, res.Text)
	r.logger.Info("Reflection at step %d: %s/%s", tc.Step, report.Status, report.Recommendation)
	return report, nil
}

// parseReflection maps free-form reflector output onto a report. Labeled
// lines win; keyword scanning (replan over adjust over continue) covers
// the rest; nothing parseable means continue.
func (r *Reflector) parseReflection(tc *TaskContext, text string) QualityReport {
	status, recommendation := "", ""
	confidence := 0.5
	var issues, suggestions []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "status:"):
			status = matchFirst(lower, StatusCritical, StatusConcerning, StatusGood)
		case strings.HasPrefix(lower, "recommendation:"):
			recommendation = matchFirst(lower, RecommendReplan, RecommendAdjust, RecommendContinue)
		case strings.HasPrefix(lower, "confidence:"):
			if f, err := strconv.ParseFloat(strings.TrimSpace(line[len("confidence:"):]), 64); err == nil && f >= 0 && f <= 1 {
				confidence = f
			}
		case strings.HasPrefix(lower, "issues:"):
			issues = splitList(line[len("issues:"):])
		case strings.HasPrefix(lower, "suggestions:"):
			suggestions = splitList(line[len("suggestions:"):])
		}
	}

	lower := strings.ToLower(text)
	if recommendation == "" {
		recommendation = matchFirst(lower, RecommendReplan, RecommendAdjust, RecommendContinue)
	}
	if recommendation == "" {
		recommendation = RecommendContinue
	}
	if status == "" {
		status = matchFirst(lower, StatusCritical, StatusConcerning, StatusGood)
	}
	if status == "" {
		if recommendation == RecommendContinue {
			status = StatusGood
		} else {
			status = StatusConcerning
		}
	}

	report := r.report(tc, status, recommendation, confidence, issues, "model")
	report.Suggestions = suggestions
	return report
}

func (r *Reflector) report(tc *TaskContext, status, recommendation string, confidence float64, issues []string, source string) QualityReport {
	return QualityReport{
		Step:           tc.Step,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Recommendation: recommendation,
		Confidence:     confidence,
		Issues:         issues,
		Source:         source,
	}
}

// identicalActions reports whether recs holds at least three records whose
// actions serialize identically.
func identicalActions(recs []action.Record) bool {
	if len(recs) < 3 {
		return false
	}
	first, err := json.Marshal(recs[0].Action)
	if err != nil {
		return false
	}
	for _, rec := range recs[1:] {
		raw, err := json.Marshal(rec.Action)
		if err != nil || !bytes.Equal(first, raw) {
			return false
		}
	}
	return true
}

func matchFirst(text string, candidates ...string) string {
	for _, c := range candidates {
		if strings.Contains(text, c) {
			return c
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
