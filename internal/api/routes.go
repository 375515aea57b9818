package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
)

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Output: os.Stderr,
	}))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	s.app.Use(s.requestMetrics())

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	api := s.app.Group("/api")

	api.Post("/auth/login", s.handleLogin)
	api.Get("/push/vapid", s.handleVAPIDKey)

	protected := api.Use(s.authMiddleware())

	protected.Get("/medications", s.handleListMedications)
	protected.Post("/medications", s.handleCreateMedication)
	protected.Put("/medications/:id", s.handleUpdateMedication)
	protected.Delete("/medications/:id", s.handleDeleteMedication)
	protected.Post("/medications/:id/taken", s.handleMarkTaken)
	protected.Put("/medications/:id/stock", s.handleUpdateStock)

	protected.Get("/schedule/today", s.handleTodaySchedule)

	protected.Get("/preferences", s.handleGetPreferences)
	protected.Put("/preferences", s.handleUpdatePreferences)

	protected.Get("/permission", s.handleGetPermission)
	protected.Post("/permission", s.handleGrantPermission)
	protected.Delete("/permission", s.handleRevokePermission)

	protected.Get("/notifications", s.handleListNotifications)
	protected.Post("/notifications/test", s.handleTestNotification)
	protected.Post("/notifications/read", s.handleMarkAllRead)
	protected.Post("/notifications/:id/read", s.handleMarkRead)
	protected.Delete("/notifications", s.handleClearNotifications)

	protected.Post("/check", s.handleCheckNow)
	protected.Get("/scheduler", s.handleSchedulerStatus)

	protected.Get("/dear-ones", s.handleListDearOnes)
	protected.Post("/dear-ones", s.handleCreateDearOne)
	protected.Delete("/dear-ones/:id", s.handleDeleteDearOne)

	s.app.Use("/ws", s.websocketUpgrade())
	s.app.Get("/ws", websocket.New(s.handleWebSocket))

	s.app.Get("/", s.handleIndex)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.logger.Sugar().Infof("HTTP server listening on %s", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}
