// Package web serves the editor-facing WebSocket endpoint together with the
// health and metrics routes.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/codefionn/striderun/internal/actor"
	"github.com/codefionn/striderun/internal/logger"
	"github.com/codefionn/striderun/internal/protocol"
	"github.com/codefionn/striderun/internal/runconfig"
	"github.com/codefionn/striderun/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	defaultAddr     = ":8080"
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
//
// AllowedOrigins restricts the Origin header of WebSocket upgrades; an empty
// list accepts every origin. RateLimit paces inbound frames per connection
// and zero disables it.
type Options struct {
	Addr           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      float64
	RateBurst      int
	Store          *runconfig.Store
	Launcher       session.Launcher
	Logger         *logger.Logger
}

// Server represents the web server
type Server struct {
	opts        Options
	router      *httprouter.Router
	httpServer  *http.Server
	hub         *Hub
	sessions    *actor.System
	upgrader    websocket.Upgrader
	log         *logger.Logger
	unsubscribe func()

	// ctx outlives individual requests; sessions and pumps run under it
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string                        `json:"status"`
	Clients  int                           `json:"clients"`
	Sessions map[string]actor.HealthReport `json:"sessions"`
}

// NewServer creates the server and starts its hub. Configuration changes in
// the store are broadcast to every connected client.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("web server requires a configuration store")
	}
	if opts.Launcher == nil {
		return nil, errors.New("web server requires a launcher")
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		router:   httprouter.New(),
		hub:      NewHub(log),
		sessions: actor.NewSystem(),
		log:      log.WithPrefix("web"),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	go s.hub.Run()

	s.unsubscribe = opts.Store.Subscribe(func(cfg runconfig.Configuration) {
		s.hub.Broadcast(protocol.New(protocol.TypeUpdateConfig, cfg.JSON()))
	})

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/ws", s.handleWebSocket)
	s.router.GET("/healthz", s.handleHealth)
	s.router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the client registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down the listener and every session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.log.WithPrefix("http"), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Web server listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close(context.Background())
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("Stopping web server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	if err := s.Close(shutdownCtx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

// Close stops every session and the hub. Stopping the hub closes the
// hijacked WebSocket connections, which http.Server does not track.
func (s *Server) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.cancel()
		err = s.sessions.StopAll(ctx)
		s.hub.Stop()
	})
	if err != nil {
		return fmt.Errorf("failed to stop sessions: %w", err)
	}
	return nil
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin) || slices.Contains(s.opts.AllowedOrigins, "*")
}

// handleWebSocket upgrades the connection and binds it to a fresh session
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade WebSocket from %s: %v", r.RemoteAddr, err)
		return
	}

	id := uuid.NewString()
	client := NewClient(id, s.hub, conn, s.opts.MaxMessageSize, s.newLimiter(), s.log)

	sess, err := session.Spawn(s.ctx, s.sessions, session.Options{
		ID:       id,
		Store:    s.opts.Store,
		Launcher: s.opts.Launcher,
		Emitter:  client,
		Logger:   s.log,
	})
	if err != nil {
		s.log.Error("Failed to create session: %v", err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		conn.Close()
		return
	}
	client.Bind(sess)

	s.hub.Register(client)
	s.log.Info("Client %s connected from %s", id, r.RemoteAddr)

	go client.WritePump()
	go client.ReadPump(s.ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := HealthResponse{
		Status:   "ok",
		Clients:  s.hub.ClientCount(),
		Sessions: s.sessions.HealthCheck(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Failed to write health response: %v", err)
	}
}
