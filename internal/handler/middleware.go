package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"creatorwallet/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxUserIDKey = "user_id"

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}
		slog.Info("[HTTP]",
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"user_id", c.GetString(ctxUserIDKey),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("[PANIC]", "err", err, "path", c.Request.URL.Path)
				response.ServerError(c, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// Claims 身份系统签发的访问令牌，sub 为用户ID
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken HS256 验签并取出用户ID
func ParseToken(raw, secret string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", errors.New("令牌声明无效")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("令牌缺少 sub")
	}
	return claims.Subject, nil
}

// SignToken 签发 HS256 访问令牌，本地调试和测试使用
func SignToken(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// AuthMiddleware 校验 Bearer 令牌，未携带或无效时返回 401
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			response.Unauthorized(c, "未登录")
			return
		}
		userID, err := ParseToken(strings.TrimSpace(header[len(prefix):]), secret)
		if err != nil {
			response.Unauthorized(c, "登录已失效")
			return
		}
		c.Set(ctxUserIDKey, userID)
		c.Next()
	}
}

// RoleChecker 角色查询，service.RoleService 实现
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RequireRole 要求当前用户具备指定角色，必须挂在 AuthMiddleware 之后
func RequireRole(roles RoleChecker, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ctxUserIDKey)
		if userID == "" {
			response.Unauthorized(c, "未登录")
			return
		}
		ok, err := roles.HasRole(c.Request.Context(), userID, role)
		if err != nil {
			slog.Error("[Auth] 查询角色失败", "user_id", userID, "err", err)
			response.ServerError(c, "查询角色失败")
			return
		}
		if !ok {
			response.Forbidden(c, fmt.Sprintf("需要 %s 角色", role))
			return
		}
		c.Next()
	}
}
