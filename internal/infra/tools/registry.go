// Package tools invokes the model-backed tools behind the planner, worker,
// and reflector. Every tool in the closed set resolves to a provider
// binding (endpoint, model, key, system prompt); bindings layer shared
// defaults, per-tool configuration overrides, privileged global overrides,
// and per-task overrides, in that order.
package tools

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"navi/internal/domain/agent"
	"navi/internal/infra/httpclient"
	"navi/internal/infra/observability"
	"navi/internal/server/app"
	"navi/internal/shared/config"
	"navi/internal/shared/errors"
	"navi/internal/shared/logging"
	"navi/internal/shared/token"
)

const toolCallTimeout = 120 * time.Second

const (
	providerOpenAI = "openai"
	providerSerper = "serper"

	defaultOpenAIEndpoint = "https://api.openai.com/v1"
	defaultSerperEndpoint = "https://google.serper.dev"
)

// Registry owns the tool bindings and hands out invokers. It is safe for
// concurrent use; global overrides swap under the lock.
type Registry struct {
	mu          sync.RWMutex
	cfg         config.ToolsConfig
	global      map[string]config.ToolOverride
	allowGlobal bool

	limiters map[string]*rate.Limiter
	client   *http.Client
	logger   logging.Logger
	metrics  *observability.Metrics
	health   *healthTracker
}

var _ app.InvokerProvider = (*Registry)(nil)

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = metrics }
}

// WithHTTPClient replaces the outbound HTTP client. Tests inject the
// httptest client here.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.client = client }
}

// NewRegistry builds the registry from the resolved configuration. Rate
// limiters are created once per configured tool; a tool without a limit
// never waits.
func NewRegistry(cfg config.Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:         cfg.Tools,
		global:      map[string]config.ToolOverride{},
		allowGlobal: cfg.AllowGlobalConfig,
		limiters:    map[string]*rate.Limiter{},
		logger:      logging.Nop(),
		health:      newHealthTracker(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = httpclient.New(toolCallTimeout, r.logger)
	}
	for tool, limit := range cfg.Tools.RateLimits {
		if limit.RequestsPerSecond <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[tool] = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	}
	return r
}

// Invoker returns a ToolInvoker with the given per-task overrides layered
// on top of the registry bindings. A nil map shares the base bindings.
func (r *Registry) Invoker(overrides map[string]config.ToolOverride) agent.ToolInvoker {
	return &invoker{registry: r, overrides: overrides}
}

type invoker struct {
	registry  *Registry
	overrides map[string]config.ToolOverride
}

func (in *invoker) Invoke(ctx context.Context, tool, text string, image []byte) (agent.ToolResult, error) {
	return in.registry.invoke(ctx, tool, text, image, in.overrides)
}

// GlobalConfig is the privileged runtime override. The grounding and
// embedding models swap individually; the action model applies to every
// other chat tool.
type GlobalConfig struct {
	ActionModel    *config.ToolOverride `json:"action_model,omitempty"`
	GroundingModel *config.ToolOverride `json:"grounding_model,omitempty"`
	EmbeddingModel *config.ToolOverride `json:"embedding_model,omitempty"`
}

// SetGlobalConfig applies gc to the shared bindings for all subsequent
// invocations. It fails unless the deployment enabled global overrides.
func (r *Registry) SetGlobalConfig(gc GlobalConfig) error {
	if !r.allowGlobal {
		return errors.Validationf("global tool overrides are disabled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if gc.GroundingModel != nil {
		r.global[agent.ToolGrounding] = *gc.GroundingModel
	}
	if gc.EmbeddingModel != nil {
		r.global[agent.ToolEmbedding] = *gc.EmbeddingModel
	}
	if gc.ActionModel != nil {
		for _, name := range agent.ToolNames() {
			switch name {
			case agent.ToolGrounding, agent.ToolEmbedding, agent.ToolWebSearch:
				continue
			}
			r.global[name] = *gc.ActionModel
		}
	}
	r.logger.Info("Global tool overrides updated")
	return nil
}

// AllowsGlobalConfig reports whether the privileged override path is
// enabled for this deployment.
func (r *Registry) AllowsGlobalConfig() bool { return r.allowGlobal }

// binding is the fully resolved provider configuration for one call.
type binding struct {
	tool     string
	provider string
	model    string
	apiKey   string
	baseURL  string
	prompt   string
}

func (b *binding) merge(o config.ToolOverride) {
	if o.Provider != "" {
		b.provider = o.Provider
	}
	if o.ModelName != "" {
		b.model = o.ModelName
	}
	if o.APIKey != "" {
		b.apiKey = o.APIKey
	}
	if o.APIEndpoint != "" {
		b.baseURL = o.APIEndpoint
	}
}

func (r *Registry) resolve(tool string, taskOverrides map[string]config.ToolOverride) (binding, error) {
	if !agent.KnownTool(tool) {
		return binding{}, errors.Validationf("unknown tool %q", tool)
	}

	r.mu.RLock()
	global, hasGlobal := r.global[tool]
	r.mu.RUnlock()

	b := binding{
		tool:     tool,
		provider: r.cfg.Provider,
		model:    r.cfg.Model,
		apiKey:   r.cfg.APIKey,
		baseURL:  r.cfg.APIEndpoint,
		prompt:   promptFor(tool),
	}
	if tool == agent.ToolWebSearch {
		// The search tool speaks a search API, not a chat API, so the
		// shared chat defaults do not carry over.
		b.provider, b.model, b.apiKey, b.baseURL = providerSerper, "", "", ""
	}
	if o, ok := r.cfg.Overrides[tool]; ok {
		b.merge(o)
	}
	if hasGlobal {
		b.merge(global)
	}
	if o, ok := taskOverrides[tool]; ok {
		b.merge(o)
	}

	if b.provider == "" {
		b.provider = providerOpenAI
	}
	if b.baseURL == "" {
		if b.provider == providerSerper {
			b.baseURL = defaultSerperEndpoint
		} else {
			b.baseURL = defaultOpenAIEndpoint
		}
	}
	b.baseURL = strings.TrimRight(b.baseURL, "/")

	if b.apiKey == "" {
		return binding{}, errors.Validationf("tool %q has no api key configured", tool)
	}
	if b.provider != providerSerper && b.model == "" {
		return binding{}, errors.Validationf("tool %q has no model configured", tool)
	}
	return b, nil
}

func (r *Registry) invoke(ctx context.Context, tool, text string, image []byte, taskOverrides map[string]config.ToolOverride) (agent.ToolResult, error) {
	b, err := r.resolve(tool, taskOverrides)
	if err != nil {
		return agent.ToolResult{}, err
	}

	if limiter := r.limiters[tool]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return agent.ToolResult{}, err
		}
	}

	started := time.Now()
	var res agent.ToolResult
	switch {
	case b.provider == providerSerper:
		res, err = r.search(ctx, b, text)
	case tool == agent.ToolEmbedding:
		res, err = r.embed(ctx, b, text)
	default:
		res, err = r.chat(ctx, b, text, image)
	}
	elapsed := time.Since(started)
	if err != nil {
		r.health.record(tool, false, elapsed, 0)
		r.logger.Warn("Tool %s (%s) failed after %s: %v", tool, b.model, elapsed.Round(time.Millisecond), err)
		return agent.ToolResult{}, err
	}

	// Providers that omit usage still get charged against the budget.
	if b.provider != providerSerper {
		if res.InputTokens == 0 {
			res.InputTokens = token.Count(b.prompt) + token.Count(text)
		}
		if res.OutputTokens == 0 && res.Text != "" {
			res.OutputTokens = token.Count(res.Text)
		}
		if res.CostUSD == 0 {
			res.CostUSD = estimateCost(b.model, res.InputTokens, res.OutputTokens)
		}
	}

	r.health.record(tool, true, elapsed, res.CostUSD)
	r.metrics.AddTokens(ctx, tool, res.InputTokens, res.OutputTokens)
	r.metrics.AddCost(ctx, tool, res.CostUSD)
	r.metrics.ObserveToolCall(ctx, tool, elapsed)
	r.logger.Debug("Tool %s: %d in / %d out tokens in %s", tool, res.InputTokens, res.OutputTokens, elapsed.Round(time.Millisecond))
	return res, nil
}

// Health returns sliding-window call statistics for every tool invoked
// since startup. The service info endpoint exposes this snapshot.
func (r *Registry) Health() []ToolHealth {
	return r.health.snapshotAll()
}

// estimateCost prices a call from published per-million-token rates,
// matched by model name substring. Unknown models cost zero rather than a
// guess.
func estimateCost(model string, input, output int) float64 {
	model = strings.ToLower(model)
	for _, p := range pricing {
		if strings.Contains(model, p.match) {
			return (float64(input)*p.input + float64(output)*p.output) / 1e6
		}
	}
	return 0
}

// USD per million tokens. Longer names come first so "gpt-4o-mini" does
// not price as "gpt-4o".
var pricing = []struct {
	match  string
	input  float64
	output float64
}{
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4.1-mini", 0.40, 1.60},
	{"gpt-4.1-nano", 0.10, 0.40},
	{"gpt-4.1", 2.00, 8.00},
	{"gpt-5-mini", 0.25, 2.00},
	{"gpt-5-nano", 0.05, 0.40},
	{"gpt-5", 1.25, 10.00},
	{"o4-mini", 1.10, 4.40},
	{"o3", 2.00, 8.00},
	{"claude-3-5-haiku", 0.80, 4.00},
	{"claude", 3.00, 15.00},
	{"gemini-2.5-flash", 0.30, 2.50},
	{"gemini", 1.25, 10.00},
	{"text-embedding-3-small", 0.02, 0},
	{"text-embedding-3-large", 0.13, 0},
}
