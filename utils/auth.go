// utils/auth.go
package utils

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const CronSecretHeader = "X-Cron-Secret"

// GenerateToken signs an HS256 token carrying the user id and role.
func GenerateToken(secret, userID, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT_SECRET not set")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	})
	return token.SignedString([]byte(secret))
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// AuthMiddleware validates the bearer JWT and, when role is non-empty,
// requires the token's role claim to match.
func AuthMiddleware(secret, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			RespondWithError(c, http.StatusUnauthorized, "Authorization header required")
			return
		}
		if secret == "" {
			RespondWithError(c, http.StatusServiceUnavailable, "Authentication not configured")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			RespondWithError(c, http.StatusUnauthorized, "Invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			RespondWithError(c, http.StatusUnauthorized, "Invalid token claims")
			return
		}
		gotRole, _ := claims["role"].(string)
		if role != "" && gotRole != role {
			RespondWithError(c, http.StatusForbidden, "Insufficient role")
			return
		}

		c.Set("userId", claims["sub"])
		c.Set("role", gotRole)
		c.Next()
	}
}

// RequireCronSecret guards machine-triggered endpoints with a shared secret
// sent in X-Cron-Secret or as a bearer token.
func RequireCronSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			RespondWithError(c, http.StatusServiceUnavailable, "Cron secret not configured")
			return
		}
		got := c.GetHeader(CronSecretHeader)
		if got == "" {
			got = bearerToken(c)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			RespondWithError(c, http.StatusUnauthorized, "Invalid cron secret")
			return
		}
		c.Next()
	}
}
