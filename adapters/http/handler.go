// Package http provides the read-only HTTP view of the running session.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/lifecycle"
)

// BuildVersion is reported by /version. Set at link time.
var BuildVersion = "dev"

// SessionSource returns the current session, or nil when none is up.
type SessionSource interface {
	Current() *lifecycle.Session
}

// SessionFunc adapts a function to SessionSource.
type SessionFunc func() *lifecycle.Session

// Current calls f.
func (f SessionFunc) Current() *lifecycle.Session { return f() }

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Session string `json:"session,omitempty"`
	State   string `json:"state,omitempty"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	Plan      []string          `json:"plan"`
	Active    []string          `json:"active"`
	Absent    map[string]string `json:"absent,omitempty"`
	Entries   int               `json:"entries"`
}

// ModuleResponse describes one package of the current session.
type ModuleResponse struct {
	Name      string       `json:"name"`
	State     string       `json:"state"`
	Required  bool         `json:"required"`
	Requires  []string     `json:"requires,omitempty"`
	Published []entry.Kind `json:"published,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Handler serves the session view.
type Handler struct {
	source SessionSource
}

// NewHandler creates a handler reading sessions from source.
func NewHandler(source SessionSource) *Handler {
	return &Handler{source: source}
}

// Health reports liveness and, when a session is up, its state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s := h.source.Current(); s != nil {
		resp.Session = s.ID()
		resp.State = s.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns 503 unless a session is active.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	s := h.source.Current()
	if s == nil || s.State() != lifecycle.StateActive {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "no active session")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Session: s.ID(), State: s.State().String()})
}

// Session describes the current session.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	s := h.source.Current()
	if s == nil {
		writeError(w, http.StatusNotFound, "no_session", "no session is up")
		return
	}

	resp := SessionResponse{
		ID:        s.ID(),
		State:     s.State().String(),
		StartedAt: s.StartedAt(),
		Plan:      s.Plan().Names(),
		Active:    s.Active(),
		Entries:   s.Entries(),
	}
	if absent := s.Absent(); len(absent) > 0 {
		resp.Absent = make(map[string]string, len(absent))
		for name, err := range absent {
			resp.Absent[name] = errString(err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Modules lists the packages of the current session in plan order.
func (h *Handler) Modules(w http.ResponseWriter, r *http.Request) {
	s := h.source.Current()
	if s == nil {
		writeError(w, http.StatusNotFound, "no_session", "no session is up")
		return
	}

	absent := s.Absent()
	entries := s.Plan().Entries
	resp := make([]ModuleResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, moduleResponse(s, e.Name(), e.Required, requiredModules(e.Descriptor), absent))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Module describes one package of the current session.
func (h *Handler) Module(w http.ResponseWriter, r *http.Request) {
	s := h.source.Current()
	if s == nil {
		writeError(w, http.StatusNotFound, "no_session", "no session is up")
		return
	}

	name := chi.URLParam(r, "name")
	e, ok := s.Plan().Entry(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_module", "module "+name+" is not in the plan")
		return
	}
	writeJSON(w, http.StatusOK, moduleResponse(s, name, e.Required, requiredModules(e.Descriptor), s.Absent()))
}

func moduleResponse(s *lifecycle.Session, name string, required bool, requires []string, absent map[string]error) ModuleResponse {
	resp := ModuleResponse{
		Name:      name,
		State:     s.ModuleState(name).String(),
		Required:  required,
		Requires:  requires,
		Published: s.Published(name),
	}
	if err, ok := absent[name]; ok {
		resp.Error = errString(err)
	}
	return resp
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: BuildVersion,
		Service: "pkghost",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// requiredModules lists the distinct modules d depends on.
func requiredModules(d descriptor.Descriptor) []string {
	var names []string
	seen := make(map[string]bool)
	for _, dep := range d.Requires {
		if !seen[dep.Module] {
			seen[dep.Module] = true
			names = append(names, dep.Module)
		}
	}
	return names
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// Router
// =============================================================================

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	// MetricsHandler serves /metrics. Defaults to promhttp.Handler() when
	// EnableMetrics is set.
	MetricsHandler http.Handler
	EnableMetrics  bool
	Timeout        time.Duration // per request; default 30s
}

// NewRouter creates the HTTP router.
func NewRouter(h *Handler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	// Health endpoints
	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)

	// Metrics endpoint
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/version", Version)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", h.Session)
		r.Get("/modules", h.Modules)
		r.Get("/modules/{name}", h.Module)
	})

	return r
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for probes and metrics
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
