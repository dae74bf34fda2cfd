package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coffersTech/crashcat/internal/engine"
	"github.com/coffersTech/crashcat/internal/live"
	"github.com/coffersTech/crashcat/internal/registry"
	"github.com/coffersTech/crashcat/internal/settings"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
)

// Options configure a Server.
type Options struct {
	Dispatcher *engine.Dispatcher
	Registry   *registry.Store
	Settings   *settings.Store
	DataDir    string
	// KeepAlive is how long a live stream waits before pinging.
	KeepAlive time.Duration
}

// Server is the HTTP control and viewing surface.
type Server struct {
	dispatcher *engine.Dispatcher
	registry   *registry.Store
	processes  *registry.Server
	settings   *settings.Store
	hub        *live.Hub
	dataDir    string
	keepAlive  time.Duration

	parser   fastjson.ParserPool
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(opts Options) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = live.KeepAlive
	}
	return &Server{
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		processes:  registry.NewServer(opts.Registry),
		settings:   opts.Settings,
		hub:        opts.Dispatcher.Hub(),
		dataDir:    opts.DataDir,
		keepAlive:  opts.KeepAlive,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/live", s.handleLiveEvents)
	mux.HandleFunc("GET /api/live/ws", s.handleLiveSocket)

	mux.HandleFunc("POST /api/recordings/{pid}/start", s.handleStartRecording)
	mux.HandleFunc("POST /api/recordings/{pid}/stop", s.handleStopRecording)

	mux.HandleFunc("GET /api/files", s.handleListFiles)
	mux.HandleFunc("GET /api/files/{name}", s.handleGetFile)
	mux.HandleFunc("DELETE /api/files/{name}", s.handleDeleteFile)
	mux.HandleFunc("POST /api/files/bulk", s.handleBulk)

	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/filters", s.handleFilters)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("/api/processes", s.processes.HandleListProcesses)
	mux.HandleFunc("/api/processes/refresh", s.processes.HandleRefresh)

	return s.AuthMiddleware(mux)
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP server listening", slog.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// AuthMiddleware requires the control token, when one is configured, as a
// bearer token or a "token" query parameter.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.settings.HasToken() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		var token string
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			token = r.URL.Query().Get("token")
		}

		if token == "" || !s.settings.VerifyToken(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="crashcat"`)
			WriteErrorResponse(w, NewAPIError(ErrorTypeUnauthorized, "Missing or invalid token", http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}
