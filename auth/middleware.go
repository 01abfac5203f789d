// Package auth provides Gin middleware for enforcing Firebase ID token auth.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// TokenCookie is the cookie the web client stores its ID token in.
const TokenCookie = "firebaseIdToken"

// MiddlewareConfig controls auth enforcement behavior.
type MiddlewareConfig struct {
	DisableAuth bool
	// OnAuthenticated runs after verification. Errors are logged, not fatal.
	OnAuthenticated func(c *gin.Context, claims *Claims) error
}

// Middleware enforces ID token auth and injects claims into the request context.
// The token comes from the Authorization header, or the token cookie as a fallback.
func Middleware(verifier *Verifier, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.DisableAuth || AuthDisabled() {
			claims := &Claims{
				Subject: "local-dev",
				UserID:  "local-dev",
				Issuer:  "local",
				Raw:     map[string]any{"sub": "local-dev", "user_id": "local-dev"},
			}
			authenticated(c, claims, cfg)
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		token, ok := tokenFromRequest(c)
		if !ok {
			log.Printf("auth failure: missing or malformed token path=%s", c.Request.URL.Path)
			respondUnauthorized(c, "missing authorization token")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			log.Printf("auth failure: token invalid path=%s err=%v", c.Request.URL.Path, err)
			respondUnauthorized(c, "invalid token")
			return
		}

		authenticated(c, claims, cfg)
	}
}

func authenticated(c *gin.Context, claims *Claims, cfg MiddlewareConfig) {
	ctx := WithClaims(c.Request.Context(), claims)
	c.Request = c.Request.WithContext(ctx)
	if cfg.OnAuthenticated != nil {
		if err := cfg.OnAuthenticated(c, claims); err != nil {
			log.WithFields(log.Fields{"user": claims.UserID}).Warnf("post-auth hook failed: %v", err)
		}
	}
	c.Next()
}

func tokenFromRequest(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		return extractBearerToken(header)
	}
	cookie, err := c.Cookie(TokenCookie)
	if err != nil {
		return "", false
	}
	cookie = strings.TrimSpace(cookie)
	return cookie, cookie != ""
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": message,
	})
}
