package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/metrics"
	"github.com/psantana5/detectrelay/pkg/ratelimit"
	"github.com/psantana5/detectrelay/pkg/session"
	"github.com/psantana5/detectrelay/pkg/tracing"
	"github.com/psantana5/detectrelay/pkg/transport"
	"github.com/psantana5/detectrelay/pkg/workspace"
)

// Config holds the HTTP surface settings.
type Config struct {
	// ClientOrigins lists the browser origins allowed for CORS and the
	// websocket upgrade. Empty allows any origin.
	ClientOrigins []string
	Transport     transport.Options
}

// Deps are the collaborators the handler serves. Limiter, Tracer and
// Metrics are optional.
type Deps struct {
	Roots    *workspace.Roots
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Tracer   *tracing.Provider
	Metrics  *metrics.Collector
	Logger   *logging.Logger
}

// Handler serves the session websocket and the finished outputs.
type Handler struct {
	cfg      Config
	deps     Deps
	upgrader *websocket.Upgrader
	origin   func(string) bool
	logger   *logging.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	return &Handler{
		cfg:      cfg,
		deps:     deps,
		upgrader: transport.NewUpgrader(cfg.ClientOrigins),
		origin:   transport.OriginMatcher(cfg.ClientOrigins),
		logger:   deps.Logger,
	}
}

// RegisterRoutes registers all routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/", h.instrument("root", http.HandlerFunc(h.Root))).Methods("GET")
	r.Handle("/health", h.instrument("health", http.HandlerFunc(h.Health))).Methods("GET")
	r.Handle("/sessions", h.instrument("sessions", http.HandlerFunc(h.ListSessions))).Methods("GET")

	var ws http.Handler = http.HandlerFunc(h.ServeSession)
	if h.deps.Limiter != nil {
		ws = h.deps.Limiter.Middleware(ratelimit.IPKeyFunc)(ws)
	}
	r.Handle("/ws", h.instrument("ws", ws)).Methods("GET")

	r.Handle("/video/{id}", h.instrument("video", http.HandlerFunc(h.Video))).Methods("GET", "HEAD")
	r.Handle("/download/{id}", h.instrument("download", http.HandlerFunc(h.Download))).Methods("GET", "HEAD")
	r.Handle("/data/{id}", h.instrument("data", http.HandlerFunc(h.Data))).Methods("GET", "HEAD")
}

// Router returns every route behind the shared middleware. CORS wraps the
// router itself so that preflights and misses carry the headers too.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	if h.deps.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(h.deps.Tracer))
	}
	h.RegisterRoutes(r)
	return h.cors(r)
}

func (h *Handler) instrument(name string, next http.Handler) http.Handler {
	if h.deps.Metrics == nil {
		return next
	}
	return h.deps.Metrics.Middleware(name)(next)
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.origin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Range")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Root answers the liveness probe of the original client.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Server is running."))
}

// Health returns the health status of the relay
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.deps.Sessions.Full() {
		status = "saturated"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"sessions": h.deps.Sessions.Len(),
	})
}

// ListSessions returns the live sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.deps.Sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// ServeSession upgrades the request and runs one session on it until the
// session ends.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sessions.Full() {
		http.Error(w, session.ErrTooManySessions.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.logger.Warn("Websocket upgrade failed", map[string]interface{}{
			"remote_addr": r.RemoteAddr, "error": err.Error(),
		})
		return
	}

	conn := transport.NewConn(ws, h.cfg.Transport, h.logger)
	defer conn.Close()

	if err := h.deps.Sessions.Serve(conn, conn.RemoteAddr()); err != nil {
		h.logger.Warn("Session ended with error", map[string]interface{}{
			"remote_addr": conn.RemoteAddr(), "error": err.Error(),
		})
	}
}

// Video streams the processed video inline.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r, "mp4", "video/mp4", "")
}

// Download serves the processed video as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": id + ".mp4"})
	h.serveOutput(w, r, "mp4", "video/mp4", disposition)
}

// Data serves the detection data file.
func (h *Handler) Data(w http.ResponseWriter, r *http.Request) {
	h.serveOutput(w, r, "json", "application/json", "")
}

func (h *Handler) serveOutput(w http.ResponseWriter, r *http.Request, ext, contentType, disposition string) {
	path, err := h.deps.Roots.OutputFile(mux.Vars(r)["id"], ext)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger.Error("Failed to open output", map[string]interface{}{"path": path, "error": err.Error()})
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if disposition != "" {
		w.Header().Set("Content-Disposition", disposition)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
