package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/storefront-chat/internal/api/http/handlers"
	"github.com/spec-kit/storefront-chat/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Chat           *handlers.ChatHandler
	Stream         *handlers.StreamHandler
	Notifications  *handlers.NotificationsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/internal/metrics", cfg.Health.Metrics)

	authGroup := app.Group("/auth")
	authGroup.Post("/customers/register", cfg.Auth.RegisterCustomer)
	authGroup.Post("/customers/login", cfg.Auth.LoginCustomer)
	authGroup.Post("/staff/login", cfg.Auth.LoginStaff)

	api := app.Group("/api", cfg.AuthMiddleware.Handle, auth.RequireAnyRole())

	chat := api.Group("/chat")
	if cfg.Stream != nil {
		chat.Get("/sessions/:id/stream", cfg.Stream.Stream)
	}
	chat.Post("", cfg.Chat.Dispatch)
	chat.Get("", cfg.Chat.Dispatch)
	chat.Post("/:action", cfg.Chat.Dispatch)
	chat.Get("/:action", cfg.Chat.Dispatch)

	if cfg.Notifications != nil {
		api.Get("/notifications", cfg.Notifications.List)
		api.Post("/notifications/:id/read", cfg.Notifications.MarkRead)
	}
}
