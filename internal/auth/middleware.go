package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	identityContextKey  = "auth_identity"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated identity in
// the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, token, err := s.Authenticate(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityContextKey, identity)
		c.Set(authTokenContextKey, token)
		c.Next()
	}
}

// Authenticate resolves the request's bearer token or auth cookie to an owner
// identity without aborting. Handlers that want a soft 401 use this directly.
func (s *Service) Authenticate(c *gin.Context) (identity, token string, err error) {
	token = s.extractToken(c)
	if token == "" {
		return "", "", errAuthRequired
	}
	identity, err = s.ValidateToken(c.Request.Context(), token)
	if err != nil {
		return "", "", err
	}
	return identity, token, nil
}

// IdentityFromContext retrieves the authenticated identity from the gin context.
func IdentityFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return "", false
	}
	identity, ok := val.(string)
	return identity, ok && identity != ""
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
