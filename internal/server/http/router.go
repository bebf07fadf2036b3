package http

import (
	"net/http"
	"strings"

	"navi/internal/infra/observability"
	"navi/internal/infra/tools"
	"navi/internal/server/app"
	"navi/internal/shared/logging"
)

// RouterConfig carries the handler dependencies.
type RouterConfig struct {
	Manager  *app.Manager
	Registry *tools.Registry
	Metrics  *observability.Metrics
	Logger   logging.Logger
}

// NewRouter wires every API endpoint behind the shared middleware stack.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Router")
	}

	api := NewAPIHandler(cfg.Manager, cfg.Registry,
		WithAPILogger(logger),
		WithAPIMetrics(cfg.Metrics),
	)
	stream := NewStreamHandler(cfg.Manager,
		WithStreamLogger(logger),
		WithStreamMetrics(cfg.Metrics),
	)

	mux := http.NewServeMux()

	mux.Handle("/api/v1/info", route("GetAgentInfo", methodOnly(http.MethodGet, api.HandleInfo)))

	mux.Handle("/api/v1/tasks", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			annotateRequestMethod(r, "RunAgentInstructionAsync")
			api.HandleSubmitTask(w, r)
		case http.MethodGet:
			annotateRequestMethod(r, "ListTasks")
			api.HandleListTasks(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))

	mux.Handle("/api/v1/tasks/stream", route("RunAgentInstruction", methodOnly(http.MethodPost, stream.HandleRunStream)))

	mux.Handle("/api/v1/tasks/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")

		taskID, tail, _ := strings.Cut(rest, "/")
		if taskID == "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch tail {
		case "":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			annotateRequestMethod(r, "QueryTaskStatus")
			api.HandleGetTask(w, r, taskID)
		case "cancel":
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			annotateRequestMethod(r, "CancelTask")
			api.HandleCancelTask(w, r, taskID)
		case "transitions":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			annotateRequestMethod(r, "QueryTaskTransitions")
			api.HandleGetTransitions(w, r, taskID)
		case "events":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			annotateRequestMethod(r, "SubscribeTaskEvents")
			stream.HandleTaskEvents(w, r, taskID)
		case "ws":
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			annotateRequestMethod(r, "SubscribeTaskSocket")
			stream.HandleTaskSocket(w, r, taskID)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))

	mux.Handle("/api/v1/sandboxes", route("CreateSandbox", methodOnly(http.MethodPost, api.HandleCreateSandbox)))
	mux.Handle("/api/v1/config/global", route("SetGlobalConfig", methodOnly(http.MethodPost, api.HandleGlobalConfig)))
	mux.Handle("/healthz", route("Healthz", methodOnly(http.MethodGet, api.HandleHealthz)))

	var handler http.Handler = mux
	handler = MetricsMiddleware(cfg.Metrics)(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = CORSMiddleware()(handler)
	return handler
}

// route annotates requests with their RPC method name before dispatch.
func route(method string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotateRequestMethod(r, method)
		handler.ServeHTTP(w, r)
	})
}

// methodOnly rejects every HTTP method except the given one.
func methodOnly(allowed string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != allowed {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	})
}
