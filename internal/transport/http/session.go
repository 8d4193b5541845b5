package httptransport

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const contextUserID = "session_user_id"

// SessionVerifier resolves a session bearer token to a user id.
type SessionVerifier interface {
	VerifyToken(token string) (string, error)
}

// SessionAuth requires a valid session bearer token and stores the user id
// on the context.
func SessionAuth(verifier SessionVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, ok := strings.Cut(strings.TrimSpace(c.GetHeader("Authorization")), " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			RespondError(c, http.StatusUnauthorized, "authentication required")
			return
		}
		userID, err := verifier.VerifyToken(token)
		if err != nil {
			RespondError(c, http.StatusUnauthorized, "invalid or expired session")
			return
		}
		c.Set(contextUserID, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" on public routes.
func UserID(c *gin.Context) string {
	return c.GetString(contextUserID)
}
