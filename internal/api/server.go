// Package api is the local UI bridge: a loopback HTTP/WebSocket surface the
// household UI talks to. Commands go over REST, state snapshots and progress
// notices stream over a WebSocket.
package api

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/middleware"
	"github.com/hearthshare/hearthcall/internal/pkg/logger"
)

// Server is the bridge HTTP server
type Server struct {
	app    *fiber.App
	cfg    *config.BridgeConfig
	bridge Bridge
	hub    *eventHub
	log    *logger.Logger
}

// New creates a bridge server over the given agent surface
func New(cfg *config.BridgeConfig, bridge Bridge, log *logger.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "HearthCall Bridge",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())

	if len(cfg.CORSOrigins) > 0 {
		app.Use(cors.New(cors.Config{
			AllowOrigins: strings.Join(cfg.CORSOrigins, ","),
			AllowMethods: "GET,POST,DELETE",
			AllowHeaders: "Origin,Content-Type,Accept,Authorization",
		}))
	}

	s := &Server{
		app:    app,
		cfg:    cfg,
		bridge: bridge,
		hub:    newEventHub(log),
		log:    log.Component("Bridge"),
	}

	// Every transition and notice fans out to the event stream.
	bridge.OnStateChange(s.hub.broadcastState)
	bridge.OnNotice(s.hub.broadcastNotice)

	s.setupRoutes()
	return s
}

// setupRoutes configures all bridge routes
func (s *Server) setupRoutes() {
	api := s.app.Group("/api/v1")

	// Public endpoint (no auth)
	api.Get("/health", s.handleHealth)

	protected := api.Group("", middleware.TokenAuth(s.cfg.Token.Hash))
	{
		protected.Get("/state", s.handleState)
		protected.Get("/presence", s.handlePresence)

		protected.Post("/call/start", s.handleStartCall)
		protected.Post("/call/accept", s.handleAcceptCall)
		protected.Post("/call/reject", s.handleRejectCall)
		protected.Post("/call/end", s.handleEndCall)

		protected.Post("/media/video/toggle", s.handleToggleVideo)
		protected.Post("/media/audio/toggle", s.handleToggleAudio)

		protected.Post("/rooms", s.handleCreateRoom)
		protected.Get("/rooms", s.handleListRooms)
		protected.Post("/rooms/:id/join", s.handleJoinRoom)
		protected.Post("/rooms/leave", s.handleLeaveRoom)

		protected.Get("/history", s.handleHistory)
		protected.Post("/diagnostics", s.handleDiagnostics)
		protected.Post("/reset", s.handleEmergencyReset)
	}

	// Event stream. The token rides in a query parameter because browser
	// WebSocket clients cannot set an Authorization header.
	api.Get("/events", s.eventsUpgrade, websocket.New(s.handleEvents))
}

// Start blocks serving the bridge on the configured loopback address
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	s.log.Info("Bridge listening", "addr", addr)
	return s.app.Listen(addr)
}

// Stop gracefully stops the bridge
func (s *Server) Stop() error {
	s.log.Info("Stopping bridge")
	s.hub.closeAll()
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing)
func (s *Server) App() *fiber.App {
	return s.app
}

// eventsUpgrade validates the WebSocket upgrade and its token
func (s *Server) eventsUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	if !validToken(c.Query("token"), s.cfg.Token.Hash) {
		return fiber.ErrUnauthorized
	}
	return c.Next()
}

// handleEvents streams state snapshots and notices until the client leaves.
// A slow client loses events rather than stalling the session managers.
func (s *Server) handleEvents(conn *websocket.Conn) {
	events := s.hub.register()
	defer s.hub.unregister(events)

	// Push the current snapshot immediately so the client does not render
	// from nothing until the next transition.
	if err := conn.WriteJSON(stateEvent(s.bridge.State())); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case payload, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second

	// eventBuffer bounds per-client queueing; beyond it events are dropped,
	// matching the at-most-once posture of the rest of the system.
	eventBuffer = 16
)

// eventHub fans events out to connected event-stream clients
type eventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	log     *logger.Logger
}

func newEventHub(log *logger.Logger) *eventHub {
	return &eventHub{
		clients: make(map[chan []byte]struct{}),
		log:     log.Component("Events"),
	}
}

func (h *eventHub) register() chan []byte {
	ch := make(chan []byte, eventBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan []byte]struct{})
	h.mu.Unlock()
}

func (h *eventHub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			h.log.Warn("Dropping event for slow client")
		}
	}
}

// errorHandler is the global error handler
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(&ApiResponse{
		Success: false,
		Error: &ApiError{
			Code:    code,
			Message: message,
		},
	})
}
