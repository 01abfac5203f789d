// Package app wires shared HTTP routes for both local and Lambda execution.
package app

import (
	"time"

	"example/chat-gateway/auth"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewRouter builds the shared HTTP router for both local and Lambda execution.
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), s.metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", Health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.POST("/api/stripe/webhook", s.StripeWebhook)

	protected := router.Group("/")
	protected.Use(auth.Middleware(s.verifier, auth.MiddlewareConfig{
		OnAuthenticated: s.provisionUser,
	}))
	protected.GET("/me", s.Me)
	protected.GET("/api/usage", s.Usage)
	protected.POST("/api/chat", s.limiter.Middleware(), s.Chat)
	protected.POST("/api/relay", s.RelayProxy)
	protected.GET("/api/conversations", s.ListConversations)
	protected.GET("/api/conversations/:id", s.GetConversation)
	protected.DELETE("/api/conversations/:id", s.DeleteConversation)
	protected.POST("/api/billing/create-checkout-session", s.CreateCheckoutSession)
	protected.POST("/api/billing/portal-session", s.CreatePortalSession)

	return router
}
