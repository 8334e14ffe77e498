// ABOUTME: gin middleware for bearer-token authentication on API endpoints
// ABOUTME: Extracts the JWT from the Authorization header or token query and adds the user to context

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKey is the gin context key holding the authenticated user ID.
const ContextKey = "user_id"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Credential returns the bearer token of a request. Browsers cannot set
// headers on a WebSocket upgrade, so the token query parameter is accepted
// when there is no Authorization header.
func Credential(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

// Middleware rejects requests without a valid credential and attaches the
// user to both the gin context and the request context.
func Middleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errMsg := extractBearerToken(c.GetHeader("Authorization"))
		if errMsg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMsg})
			return
		}

		userID, err := authn.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ContextKey, userID)
		c.Request = c.Request.WithContext(WithAuth(c.Request.Context(), &AuthContext{UserID: userID}))
		c.Next()
	}
}

// CurrentUser returns the user ID set by Middleware.
func CurrentUser(c *gin.Context) string {
	return c.GetString(ContextKey)
}
