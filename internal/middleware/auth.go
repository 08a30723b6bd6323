package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"stablecall-backend/pkg/constants"
	"stablecall-backend/pkg/jwt"
	"stablecall-backend/pkg/response"
	"stablecall-backend/pkg/sanitize"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID      = "user_id"
	ContextDisplayName = "display_name"
)

// AuthMiddleware creates a Gin middleware that validates JWT tokens.
// The token comes from the Authorization header, or from the token query
// parameter on WebSocket upgrades where browsers cannot set headers.
// If valid, it sets user_id and display_name in the Gin context.
func AuthMiddleware(jwtManager *jwt.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		// Audience is checked by ValidateToken
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDisplayName, sanitize.DisplayName(claims.DisplayName, constants.MaxDisplayNameLength))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			return token, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}
