package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/RickSF09/eva-sub001/pkg/ctxkeys"
)

// JWTAuthMiddleware validates dashboard session tokens and stores the caller's
// identity on the gin context. Tokens without an account claim are rejected:
// every billing operation is scoped to one account.
func JWTAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			// Browser clients typically use httpOnly cookies for auth.
			if cookieToken, err := c.Cookie("access_token"); err == nil && cookieToken != "" {
				authHeader = "Bearer " + cookieToken
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
				c.Abort()
				return
			}
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			c.Abort()
			return
		}

		claims, err := ValidateJWT(parts[1], secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if strings.TrimSpace(claims.AccountID) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthenticated.Error()})
			c.Abort()
			return
		}

		c.Set(string(ctxkeys.KeyUserID), claims.UserID)
		c.Set(string(ctxkeys.KeyAccountID), claims.AccountID)
		c.Set(string(ctxkeys.KeyEmail), claims.Email)
		c.Set(string(ctxkeys.KeyRole), claims.Role)
		c.Set(string(ctxkeys.KeyAuthType), "jwt")
		c.Request = c.Request.WithContext(ctxkeys.WithAccountID(c.Request.Context(), claims.AccountID))
		c.Next()
	}
}

// AccountID returns the authenticated account for the request, or "" when the
// request did not pass through JWTAuthMiddleware.
func AccountID(c *gin.Context) string {
	return c.GetString(string(ctxkeys.KeyAccountID))
}
