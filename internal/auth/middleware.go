package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/checkpoint/internal/models"
)

const (
	APIKeyHeader = "X-API-Key"
	AdminHeader  = "X-Admin-Token"
	ActorHeader  = "X-Actor-ID"
)

type adminTokenKey struct{}

// WithAdminToken attaches the token presented by the caller to ctx.
func WithAdminToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, adminTokenKey{}, token)
}

func adminToken(ctx context.Context) string {
	token, _ := ctx.Value(adminTokenKey{}).(string)
	return token
}

// Middleware guards the API. Every request must carry apiKey in X-API-Key;
// an empty apiKey disables the check. An X-Admin-Token header is copied into
// the request context for AdminAuthorizer and is not judged here.
func Middleware(apiKey string) gin.HandlerFunc {
	want := []byte(apiKey)
	return func(c *gin.Context) {
		if len(want) > 0 {
			if status, msg := checkAPIKey(c.GetHeader(APIKeyHeader), want); status != 0 {
				c.AbortWithStatusJSON(status, gin.H{
					"error": msg,
					"code":  models.KindUnauthorized,
				})
				return
			}
		}

		if token := c.GetHeader(AdminHeader); token != "" {
			c.Request = c.Request.WithContext(WithAdminToken(c.Request.Context(), token))
		}
		c.Next()
	}
}

// checkAPIKey returns a zero status when provided matches want.
func checkAPIKey(provided string, want []byte) (int, string) {
	switch {
	case provided == "":
		return http.StatusUnauthorized, "missing API key"
	case subtle.ConstantTimeCompare([]byte(provided), want) != 1:
		return http.StatusForbidden, "invalid API key"
	}
	return 0, ""
}
