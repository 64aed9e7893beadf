package api

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sudooom.im.presence/internal/auth"
	apperrors "sudooom.im.presence/internal/errors"
)

const ctxUserID = "user_id"

// CORS 跨域中间件
func CORS(allowedOrigins, allowedMethods []string, allowCredentials bool) gin.HandlerFunc {
	methods := strings.Join(allowedMethods, ", ")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				c.Header("Access-Control-Allow-Origin", origin)
				break
			}
		}

		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Max-Age", "86400")

		if allowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestLogger 请求日志
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP())
	}
}

// BearerAuth 校验 Authorization: Bearer <token>，tokens 为 nil 时不校验
func BearerAuth(tokens *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			Error(c, auth.ErrTokenInvalid)
			c.Abort()
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			Error(c, err)
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Next()
	}
}

// extractToken 从 Authorization header 提取 token
func extractToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// requestUser 已认证时使用 token 中的用户，claimed 必须一致
func requestUser(c *gin.Context, claimed string) (string, error) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		if claimed == "" {
			return "", apperrors.ErrInvalidIdentifier.WithMessage("user is required")
		}
		return claimed, nil
	}
	userID := v.(string)
	if claimed != "" && claimed != userID {
		return "", auth.ErrUserMismatch
	}
	return userID, nil
}
