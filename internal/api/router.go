package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/classifieds/realtime/internal/auth"
	"github.com/classifieds/realtime/internal/middleware"
)

// Router holds all handlers and creates the chi router
type Router struct {
	connectionHandler   *ConnectionHandler
	chatHandler         *ChatHandler
	notificationHandler *NotificationHandler
	healthHandler       *HealthHandler
	jwtManager          *auth.JWTManager
	internalToken       string
	allowedOrigins      []string
	logger              *zap.Logger
}

// NewRouter creates a new router
func NewRouter(
	connectionHandler *ConnectionHandler,
	chatHandler *ChatHandler,
	notificationHandler *NotificationHandler,
	healthHandler *HealthHandler,
	jwtManager *auth.JWTManager,
	internalToken string,
	allowedOrigins []string,
	logger *zap.Logger,
) *Router {
	return &Router{
		connectionHandler:   connectionHandler,
		chatHandler:         chatHandler,
		notificationHandler: notificationHandler,
		healthHandler:       healthHandler,
		jwtManager:          jwtManager,
		internalToken:       internalToken,
		allowedOrigins:      allowedOrigins,
		logger:              logger,
	}
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.allowedOrigins))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	// Real-time connection; compression would break the upgrade
	r.With(middleware.AuthMiddleware(rt.jwtManager)).Get("/ws", rt.connectionHandler.HandleWebSocket)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimiddleware.Compress(5))

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(rt.jwtManager))

			r.Route("/chats", func(r chi.Router) {
				r.Get("/", rt.chatHandler.GetChats)
				r.Post("/", rt.chatHandler.StartChat)
				r.Get("/{chatId}/messages", rt.chatHandler.GetMessages)
				r.Post("/{chatId}/messages", rt.chatHandler.SendMessage)
				r.Post("/{chatId}/read", rt.chatHandler.MarkRead)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", rt.notificationHandler.GetNotifications)
				r.Post("/read", rt.notificationHandler.MarkRead)
				r.Get("/settings", rt.notificationHandler.GetSettings)
				r.Put("/settings", rt.notificationHandler.UpdateSettings)
			})

			r.Put("/devices", rt.notificationHandler.RegisterDevice)
			r.Delete("/devices/{deviceId}", rt.notificationHandler.UnregisterDevice)
			r.Post("/interests/views", rt.notificationHandler.RecordView)
		})

		// Service-to-service routes
		r.Route("/internal", func(r chi.Router) {
			r.Use(middleware.InternalTokenMiddleware(rt.internalToken))
			r.Post("/listings/published", rt.notificationHandler.ListingPublished)
			r.Post("/notifications", rt.notificationHandler.DirectNotify)
		})
	})

	return r
}
