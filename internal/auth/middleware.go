package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const userIDKey = "user_id"

// RequireUser authenticates the bearer token, or the token query parameter that
// browsers use for websocket upgrades.
func RequireUser(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				abort(c, http.StatusUnauthorized, "unauthorized")
				return
			}
			token = parts[1]
		} else {
			token = c.Query("token")
		}
		if token == "" {
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}

		userID, err := v.UserID(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// RequireOperator allows requests carrying a valid X-Operator-Key.
func RequireOperator(k *OperatorKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := k.Check(c.GetHeader("X-Operator-Key")); err != nil {
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user set by RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func abort(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": code})
}
