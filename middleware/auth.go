package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/dmchat/apperr"
	"github.com/kasuganosora/dmchat/auth"
)

const (
	UserIDKey = "user_id"
	TokenKey  = "token"
)

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// Auth validates the Bearer token through the authenticator.
func Auth(a auth.Authenticator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := BearerToken(ctx)
		if token == "" {
			ctx.AbortWithStatusJSON(apperr.HTTPStatus(apperr.ErrUnauthorized), gin.H{"error": "missing token"})
			return
		}
		id, err := a.Authenticate(ctx.Request.Context(), token)
		if err != nil {
			ctx.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Public(err)})
			return
		}
		ctx.Set(UserIDKey, id.UserID)
		ctx.Set(TokenKey, id.Token)
		ctx.Next()
	}
}

// GetUserID retrieves the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) int64 {
	if v, exists := c.Get(UserIDKey); exists {
		return v.(int64)
	}
	return 0
}
