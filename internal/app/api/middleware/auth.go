package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"github.com/fanvault/pointpay/pkg/response"
)

const (
	// CtxUserIDKey is where AuthMiddleware stores the authenticated user id.
	CtxUserIDKey = "auth_user_id"
	// CtxIsAdminKey is set when the token carries the admin claim.
	CtxIsAdminKey = "auth_is_admin"
)

// AuthMiddleware validates the Bearer token (HS256) and stores the subject
// in the context. Responses use the envelope code but a real 401 status so
// gateways and clients can react without parsing the body.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.ErrorT[any](response.APIResponseCodeUnauthorized, "missing bearer token"))
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.ErrorT[any](response.APIResponseCodeUnauthorized, err.Error()))
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.ErrorT[any](response.APIResponseCodeUnauthorized, "token has no subject"))
			return
		}

		c.Set(CtxUserIDKey, sub)
		if isAdmin, _ := claims["admin"].(bool); isAdmin {
			c.Set(CtxIsAdminKey, true)
		}
		c.Next()
	}
}

// RequireAdmin gates a group on the admin claim set by AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(CtxIsAdminKey) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				response.ErrorT[any](response.APIResponseCodeForbidden, "admin access required"))
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id stored by AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}
