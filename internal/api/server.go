package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stemtube/backend"
)

// PlaylistLister lists playlist entries.
type PlaylistLister interface {
	ListPlaylist(ctx context.Context, rawURL string, limit int) (*backend.PlaylistInfo, error)
}

// DependencyChecker reports external tool availability.
type DependencyChecker interface {
	CheckDependencies(tools ...string) []backend.DependencyStatus
}

// Options wires a Server.
type Options struct {
	Config     *backend.Config
	ConfigPath string
	Manager    *backend.JobManager
	History    *backend.History
	Playlists  PlaylistLister
	Tools      DependencyChecker
	Logger     *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	app       *fiber.App
	manager   *backend.JobManager
	history   *backend.History
	playlists PlaylistLister
	tools     DependencyChecker
	validate  *validator.Validate
	logger    *slog.Logger
	wsHub     *WebSocketHub

	configMu   sync.RWMutex
	config     *backend.Config
	configPath string
}

// NewServer creates a new API server instance
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = backend.Logger
	}
	if opts.Config == nil {
		opts.Config = backend.DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		AppName:      "StemTube Server",
		ServerHeader: "StemTube",
		BodyLimit:    4 * 1024 * 1024,
	})

	wsHub := NewWebSocketHub(opts.Logger)
	go wsHub.Run()

	server := &Server{
		app:        app,
		manager:    opts.Manager,
		history:    opts.History,
		playlists:  opts.Playlists,
		tools:      opts.Tools,
		validate:   validator.New(),
		logger:     opts.Logger,
		wsHub:      wsHub,
		config:     opts.Config,
		configPath: opts.ConfigPath,
	}

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	server.setupRoutes()

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := s.app.Group("/api")

	// Job routes
	api.Get("/jobs", s.handleListJobs)
	api.Post("/jobs/pipeline", s.handleSubmitPipeline)
	api.Post("/jobs/batch", s.handleSubmitBatch)
	api.Get("/jobs/:id", s.handleGetJob)
	api.Post("/jobs/:id/stop", s.handleStopJob)

	// Playlist routes
	api.Get("/playlist", s.handleGetPlaylist)

	// History routes
	api.Get("/history", s.handleGetHistory)
	api.Get("/history/stats", s.handleGetHistoryStats)
	api.Get("/history/search", s.handleSearchHistory)
	api.Delete("/history/:id", s.handleDeleteHistoryEntry)
	api.Post("/history/clear", s.handleClearHistory)

	// Config routes
	api.Get("/config", s.handleGetConfig)
	api.Post("/config", s.handleSaveConfig)

	api.Get("/dependencies", s.handleGetDependencies)
	api.Get("/version", s.handleGetVersion)

	// WebSocket endpoint
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.handleWebSocket))
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the HTTP server
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.wsHub.Close()
	return s.app.Shutdown()
}

// BroadcastJobEvent forwards a job event to subscribed websocket clients.
func (s *Server) BroadcastJobEvent(event backend.JobEvent) {
	s.wsHub.Broadcast(event)
}

func (s *Server) currentConfig() backend.Config {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return *s.config
}

// WebSocketHub fans JobEvents out to websocket clients. A client that
// connected with ?job=<id> only receives that job's events.
type WebSocketHub struct {
	clients    map[*websocket.Conn]string
	events     chan backend.JobEvent
	register   chan subscription
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

type subscription struct {
	conn  *websocket.Conn
	jobID string
}

// NewWebSocketHub creates a hub; call Run to start delivering.
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*websocket.Conn]string),
		events:     make(chan backend.JobEvent, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run delivers events until Close.
func (h *WebSocketHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.jobID
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", n, "job", sub.jobID)
		case conn := <-h.unregister:
			h.remove(conn)
		case event := <-h.events:
			for _, conn := range h.deliver(event) {
				h.remove(conn)
			}
		}
	}
}

// deliver writes event to every interested client and returns the ones
// that failed.
func (h *WebSocketHub) deliver(event backend.JobEvent) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, jobID := range h.clients {
		if jobID != "" && jobID != event.JobID {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Warn("websocket write error", "error", err)
			failed = append(failed, conn)
		}
	}
	return failed
}

func (h *WebSocketHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast queues event for delivery. Events are dropped while the queue
// is full so a slow client never stalls a job.
func (h *WebSocketHub) Broadcast(event backend.JobEvent) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("websocket event queue full, dropping event", "job", event.JobID, "type", event.Type)
	}
}

// Close disconnects every client and stops Run.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for conn := range h.clients {
			conn.Close()
		}
		h.mu.Unlock()
	})
}

// handleWebSocket registers the connection and blocks until the client goes
// away.
func (s *Server) handleWebSocket(c *websocket.Conn) {
	select {
	case s.wsHub.register <- subscription{conn: c, jobID: c.Query("job")}:
	case <-s.wsHub.done:
		return
	}
	defer func() {
		select {
		case s.wsHub.unregister <- c:
		case <-s.wsHub.done:
		}
	}()

	for {
		// Incoming messages are ignored; reading detects the close.
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}
}
