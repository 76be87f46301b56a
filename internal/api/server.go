// Package api exposes a small HTTP+WebSocket surface for observing a
// running reader from outside the daemon process: a health check, a
// status snapshot, the recent audit trail, and a live event stream.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/nfcbridge/pn532reader/internal/api/middleware"
	"github.com/nfcbridge/pn532reader/internal/audit"
	"github.com/nfcbridge/pn532reader/pkg/pn532/reader"
)

// Config configures the status server.
type Config struct {
	Host   string
	Port   int
	APIKey string
}

// Server serves the status HTTP+WebSocket API.
type Server struct {
	app    *fiber.App
	hub    *hub
	reader *reader.Reader
	audit  *audit.Log
	log    *zap.Logger
	cfg    Config
}

// New builds a Server wired to r for live state and auditLog for the
// recent-events history endpoint. auditLog may be nil if audit
// persistence is disabled; zl is the server's own logger.
func New(cfg Config, r *reader.Reader, auditLog *audit.Log, zl *zap.Logger) *Server {
	app := fiber.New(fiber.Config{AppName: "pn532readerd"})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET",
	}))

	s := &Server{
		app:    app,
		hub:    newHub(),
		reader: r,
		audit:  auditLog,
		log:    zl,
		cfg:    cfg,
	}
	go s.hub.run()
	s.routes()
	return s
}

func (s *Server) routes() {
	authed := s.app.Group("/api/v1", middleware.APIKeyMiddleware(s.cfg.APIKey))

	s.app.Get("/healthz", s.handleHealth)
	authed.Get("/status", s.handleStatus)
	authed.Get("/events/recent", s.handleRecentEvents)

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.hub.handleConn(c)
	}))
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := fiber.Map{
		"state": s.reader.State().String(),
	}
	if tag, ok := s.reader.CurrentTag(); ok {
		resp["tag"] = fiber.Map{
			"uid": tag.String(),
			"sak": tag.SAK,
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleRecentEvents(c *fiber.Ctx) error {
	if s.audit == nil {
		return c.JSON(fiber.Map{"events": []interface{}{}})
	}
	limit := c.QueryInt("limit", 50)
	entries, err := s.audit.Recent(limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"events": entries})
}

// BroadcastEvents consumes events until ctx is canceled, forwarding
// each one to connected WebSocket clients.
func (s *Server) BroadcastEvents(ctx context.Context, events <-chan reader.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(MessageTypeTagEvent, fiber.Map{
				"kind":           ev.Kind.String(),
				"uid":            ev.Tag.String(),
				"sak":            ev.Tag.SAK,
				"correlation_id": ev.CorrelationID,
			})
		}
	}
}

// Listen starts serving on the configured address. It blocks until the
// server stops or returns an error.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if s.cfg.APIKey != "" {
		s.log.Info("status API requires API key", zap.String("key_fingerprint", middleware.Fingerprint(s.cfg.APIKey)))
	}
	s.log.Info("status API listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}
