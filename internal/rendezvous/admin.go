package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// AdminConfig holds admin server configuration options.
type AdminConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	QueueSize    int
	Logger       logrus.FieldLogger
}

// DefaultAdminConfig returns sensible default configuration.
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{
		Addr:         "127.0.0.1:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		QueueSize:    64,
	}
}

// AdminServer exposes health, counters, pending cycles and a WebSocket event
// feed for a Service. It never touches the UDP socket.
type AdminServer struct {
	svc      *Service
	upgrader Upgrader

	httpServer *http.Server
	mux        *http.ServeMux
	cfg        AdminConfig
	log        logrus.FieldLogger

	shutdownOnce sync.Once
}

// NewAdminServer creates an admin server for svc using gorilla/websocket.
func NewAdminServer(svc *Service, cfg AdminConfig) *AdminServer {
	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultAdminConfig().PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultAdminConfig().PongWait
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultAdminConfig().WriteTimeout
	}

	a := &AdminServer{
		svc:      svc,
		upgrader: websocketUpgrader(),
		mux:      http.NewServeMux(),
		cfg:      cfg,
		log:      logger.WithField("component", "admin"),
	}
	a.setupRoutes()
	a.httpServer = &http.Server{
		Handler:      a.HandlerFunc(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return a
}

// Upgrader turns a /ws request into a watcher connection.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)
}

// UpgraderFunc adapts a function to Upgrader.
type UpgraderFunc func(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error)

// Upgrade calls f.
func (f UpgraderFunc) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	return f(w, r, responseHeader)
}

// websocketUpgrader accepts any origin; the feed only ever writes events.
func websocketUpgrader() Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return UpgraderFunc(func(w http.ResponseWriter, r *http.Request, h http.Header) (Conn, error) {
		conn, err := u.Upgrade(w, r, h)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// SetUpgrader replaces the WebSocket upgrader.
func (a *AdminServer) SetUpgrader(u Upgrader) {
	a.upgrader = u
}

// setupRoutes configures HTTP routes.
func (a *AdminServer) setupRoutes() {
	a.mux.HandleFunc("/ws", a.handleWatch)
	a.mux.HandleFunc("/health", a.handleHealth)
	a.mux.HandleFunc("/api/stats", a.handleStats)
	a.mux.HandleFunc("/api/pending", a.handlePending)
	a.mux.HandleFunc("/", a.handleNotFound)
}

// Start begins serving requests. Blocks until shutdown.
func (a *AdminServer) Start() error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ln)
}

// Serve serves requests on ln. Blocks until shutdown.
func (a *AdminServer) Serve(ln net.Listener) error {
	a.log.WithField("addr", ln.Addr().String()).Info("admin server listening")
	err := a.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and disconnects watchers.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	var err error
	a.shutdownOnce.Do(func() {
		a.log.Info("shutting down...")
		err = a.httpServer.Shutdown(ctx)
		a.svc.Hub().CloseAll()
	})
	return err
}

// HandlerFunc returns the routes wrapped in the CORS middleware.
// Useful for embedding in custom routers.
func (a *AdminServer) HandlerFunc() http.Handler {
	return a.corsMiddleware(a.mux)
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests.
func (a *AdminServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns server health status.
func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns the service counters.
func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service":   a.svc.Stats(),
		"watchers":  a.svc.Hub().Count(),
		"connected": a.svc.Hub().Watchers(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handlePending lists the open pairing cycles.
func (a *AdminServer) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":    a.svc.Mode(),
		"pending": a.svc.Registry().Pending(),
	})
}

// handleNotFound handles unknown routes.
func (a *AdminServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

// handleWatch upgrades to WebSocket and streams events until the client
// disconnects.
func (a *AdminServer) handleWatch(w http.ResponseWriter, r *http.Request) {
	if a.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("upgrade failed")
		return
	}

	hub := a.svc.Hub()
	watcher := hub.Register(NewWatcher("", conn, a.cfg.QueueSize))
	a.log.WithField("watcher", watcher.ID).Info("watcher connected")

	defer func() {
		hub.Unregister(watcher.ID)
		watcher.Close()
		a.log.WithField("watcher", watcher.ID).Info("watcher disconnected")
	}()

	watcher.Enqueue(NewEvent(EventHello).WithPayload(HelloPayload{
		WatcherID: watcher.ID,
		Mode:      a.svc.Mode(),
	}))
	go watcher.WritePump(a.cfg.WriteTimeout, a.cfg.PingInterval)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongWait))
		return nil
	})

	// Watchers do not send anything meaningful; reading keeps control
	// frames flowing and detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
