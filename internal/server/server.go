// Package server exposes the HTTP and WebSocket surface of the visualization
// server: health and metadata endpoints, the event stream, and the optional
// static frontend.
package server

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/source"
)

const (
	healthPath   = "/api/health"
	metadataPath = "/api/metadata"
	wsPath       = "/ws"

	serverName    = "agentecs-viz"
	serverVersion = "0.1.0"

	// maxFrameBytes bounds inbound client frames.
	maxFrameBytes = 1 << 20
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options configures the handler beyond its world source.
type Options struct {
	// FrontendDir serves static files at the root path when non-empty.
	FrontendDir string
	// Name and Version override the /api/metadata identity fields.
	Name    string
	Version string
}

type server struct {
	src  source.WorldSource
	opts Options

	sessionsActive metric.Int64UpDownCounter
	sessionsTotal  metric.Int64Counter
	commandsTotal  metric.Int64Counter
}

// NewHandler builds the HTTP handler for the given source.
func NewHandler(src source.WorldSource, opts Options) http.Handler {
	if opts.Name == "" {
		opts.Name = serverName
	}
	if opts.Version == "" {
		opts.Version = serverVersion
	}
	s := &server{src: src, opts: opts}

	meter := otel.Meter("agentecs-viz/server")
	s.sessionsActive, _ = meter.Int64UpDownCounter("server.sessions.active",
		metric.WithDescription("Open WebSocket sessions"))
	s.sessionsTotal, _ = meter.Int64Counter("server.sessions",
		metric.WithDescription("WebSocket sessions accepted"))
	s.commandsTotal, _ = meter.Int64Counter("server.commands",
		metric.WithDescription("Client commands processed"))

	mux := http.NewServeMux()
	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getHealth,
	}))
	mux.Handle(metadataPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.getMetadata,
	}))
	mux.Handle(wsPath, http.HandlerFunc(s.handleWS))

	if opts.FrontendDir != "" {
		mux.Handle("/", frontendHandler(opts.FrontendDir))
	}

	return withCORS(mux)
}

func (s *server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *server) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.src.Connected(),
		"tick":      s.src.CurrentTick(),
	})
}

func (s *server) getMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        s.opts.Name,
		"version":     s.opts.Version,
		"source_type": s.src.SourceType(),
		"tick":        s.src.CurrentTick(),
	})
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Warn("websocket accept failed",
			observability.Field{Key: "remote", Value: r.RemoteAddr},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sub, err := s.src.Subscribe()
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "source not connected")
		return
	}

	ctx := r.Context()
	if s.sessionsTotal != nil {
		s.sessionsTotal.Add(ctx, 1)
	}
	if s.sessionsActive != nil {
		s.sessionsActive.Add(ctx, 1)
		defer s.sessionsActive.Add(context.WithoutCancel(ctx), -1)
	}

	sess := newSession(conn, s.src, sub, s.commandsTotal)
	sess.run(ctx)
}

// frontendHandler serves the static frontend, falling back to index.html for
// client-side routes.
func frontendHandler(dir string) http.Handler {
	fileServer := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(dir, "index.html"))
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
