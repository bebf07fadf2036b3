package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"navi/internal/domain/action"
	"navi/internal/domain/plan"
	"navi/internal/domain/task"
)

// Tool names form a closed set; the invoker rejects anything else.
const (
	ToolWebSearch              = "web_search"
	ToolContextFusion          = "context_fusion"
	ToolSubtaskPlanner         = "subtask_planner"
	ToolTrajReflector          = "traj_reflector"
	ToolMemoryRetrieval        = "memory_retrieval"
	ToolGrounding              = "grounding"
	ToolEvaluator              = "evaluator"
	ToolActionGenerator        = "action_generator"
	ToolActionGeneratorTO      = "action_generator_with_takeover"
	ToolFastActionGenerator    = "fast_action_generator"
	ToolFastActionGeneratorTO  = "fast_action_generator_with_takeover"
	ToolDAGTranslator          = "dag_translator"
	ToolEmbedding              = "embedding"
	ToolQueryFormulator        = "query_formulator"
	ToolNarrativeSummarization = "narrative_summarization"
	ToolTextSpan               = "text_span"
	ToolEpisodeSummarization   = "episode_summarization"
)

// ToolNames lists every invocable tool.
func ToolNames() []string {
	return []string{
		ToolWebSearch, ToolContextFusion, ToolSubtaskPlanner, ToolTrajReflector,
		ToolMemoryRetrieval, ToolGrounding, ToolEvaluator, ToolActionGenerator,
		ToolActionGeneratorTO, ToolFastActionGenerator, ToolFastActionGeneratorTO,
		ToolDAGTranslator, ToolEmbedding, ToolQueryFormulator,
		ToolNarrativeSummarization, ToolTextSpan, ToolEpisodeSummarization,
	}
}

// KnownTool reports whether name belongs to the closed tool set.
func KnownTool(name string) bool {
	for _, n := range ToolNames() {
		if n == name {
			return true
		}
	}
	return false
}

// TaskContext is the single mutable value the dispatcher threads through
// the planner, worker, and reflector. Components are stateless; only the
// dispatcher writes here.
type TaskContext struct {
	TaskID      string
	Instruction string
	Mode        task.Mode
	Platform    task.Platform
	MaxSteps    int

	EnableSearch   bool
	EnableTakeover bool

	Plan    plan.Plan
	Current *plan.Subtask

	// Step counts every worker-produced action, signals included.
	Step         int
	SubtaskSteps int

	Knowledge      string
	LastReflection string
	FinalMessage   string

	Screenshot         Screenshot
	PrevScreenshot     Screenshot
	LastScreenshotPath string

	Trail       []action.Record
	Reflections []QualityReport

	// screenHashes keeps the most recent screenshot fingerprints for the
	// stalled-UI rule.
	screenHashes      []string
	GroundingFailures int

	Stats        task.Stats
	Conversation []json.RawMessage

	// flushed marks how much of Conversation reached the store already.
	flushed int
}

// PendingConversation returns the messages not yet persisted.
func (tc *TaskContext) PendingConversation() []json.RawMessage {
	if tc.flushed >= len(tc.Conversation) {
		return nil
	}
	return tc.Conversation[tc.flushed:]
}

// MarkConversationFlushed advances the persisted watermark to the end.
func (tc *TaskContext) MarkConversationFlushed() {
	tc.flushed = len(tc.Conversation)
}

// ObserveScreenshot rotates the current capture into history and records
// its fingerprint.
func (tc *TaskContext) ObserveScreenshot(shot Screenshot) {
	tc.PrevScreenshot = tc.Screenshot
	tc.Screenshot = shot
	tc.screenHashes = append(tc.screenHashes, HashImage(shot.PNG))
	if len(tc.screenHashes) > 8 {
		tc.screenHashes = tc.screenHashes[len(tc.screenHashes)-8:]
	}
}

// ScreenUnchanged reports whether the last n captures hash identically.
func (tc *TaskContext) ScreenUnchanged(n int) bool {
	if n <= 1 || len(tc.screenHashes) < n {
		return false
	}
	tail := tc.screenHashes[len(tc.screenHashes)-n:]
	for _, h := range tail[1:] {
		if h != tail[0] {
			return false
		}
	}
	return true
}

// RecentTrail returns up to the last n action records.
func (tc *TaskContext) RecentTrail(n int) []action.Record {
	if len(tc.Trail) <= n {
		return tc.Trail
	}
	return tc.Trail[len(tc.Trail)-n:]
}

// Record appends an executed action to the trail and bumps counters.
func (tc *TaskContext) Record(rec action.Record) {
	tc.Trail = append(tc.Trail, rec)
	tc.Step++
	tc.SubtaskSteps++
	tc.Stats.Steps = tc.Step
}

// AdvanceSubtask clears the current subtask and its per-subtask counters.
func (tc *TaskContext) AdvanceSubtask() {
	tc.Current = nil
	tc.SubtaskSteps = 0
	tc.LastReflection = ""
}

// AddUsage folds one tool result into the running token and cost totals.
func (tc *TaskContext) AddUsage(res ToolResult) {
	tc.Stats.InputTokens += res.InputTokens
	tc.Stats.OutputTokens += res.OutputTokens
	tc.Stats.CostUSD += res.CostUSD
}

// Converse appends one message to the image-free conversation trail.
func (tc *TaskContext) Converse(role, content string) {
	msg, err := json.Marshal(map[string]any{
		"role":      role,
		"content":   content,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	tc.Conversation = append(tc.Conversation, msg)
}

// HashImage fingerprints screenshot bytes for change detection and the
// grounding cache key.
func HashImage(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
