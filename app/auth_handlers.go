// Package app provides public health and authenticated identity endpoints.
package app

import (
	"net/http"

	"example/chat-gateway/auth"

	"github.com/gin-gonic/gin"
)

// Health is a public health check endpoint.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func sessionFromContext(c *gin.Context) (Session, bool) {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok || claims.UserID == "" {
		return Session{}, false
	}
	return SessionFromClaims(claims), true
}

// sessionFrom reads the verified caller, answering 401 when there is none.
func sessionFrom(c *gin.Context) (Session, bool) {
	sess, ok := sessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing auth context"})
	}
	return sess, ok
}

// provisionUser runs after authentication so the user record exists before
// any handler reads it.
func (s *Server) provisionUser(c *gin.Context, claims *auth.Claims) error {
	_, err := s.users.Ensure(c.Request.Context(), SessionFromClaims(claims))
	return err
}

// Me returns the authenticated user's record.
func (s *Server) Me(c *gin.Context) {
	sess, ok := sessionFrom(c)
	if !ok {
		return
	}
	user, err := s.users.Ensure(c.Request.Context(), sess)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}
