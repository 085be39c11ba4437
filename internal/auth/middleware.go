package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusbazaar/unlockd/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyClaims is the key for storing the token claims in gin context
	ContextKeyClaims = "authClaims"

	contextKeyAuthError = "authError"

	// ServiceTokenHeader carries the shared secret of internal collaborators.
	ServiceTokenHeader = "X-Service-Token"
)

// Middleware extracts and validates the bearer token if present.
// Sets authUserID and authClaims in context if valid.
func Middleware(v *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.Request)
		if raw != "" {
			claims, err := v.Parse(raw)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyUserID, claims.UserID())
				ctx := logging.WithUserID(c.Request.Context(), claims.UserID())
				c.Request = c.Request.WithContext(ctx)
			} else {
				c.Set(contextKeyAuthError, err)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); exists {
			c.Next()
			return
		}
		msg := "Bearer token required. Include 'Authorization: Bearer <token>' header."
		if v, ok := c.Get(contextKeyAuthError); ok && errors.Is(v.(error), ErrTokenExpired) {
			msg = "Token expired."
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": msg,
		})
	}
}

// RequireServiceToken admits internal collaborators presenting token.
func RequireServiceToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(ServiceTokenHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid service token required.",
			})
			return
		}
		c.Next()
	}
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyUserID)
	return exists
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
