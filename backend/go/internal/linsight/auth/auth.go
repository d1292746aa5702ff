// Package auth 校验调用方的 JWT, 供 HTTP 接口和流桥接共用。
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	"linsight/backend/go/internal/models"
)

// ContextUserKey 是认证中间件在 gin.Context 中写入用户 ID 的键。
const ContextUserKey = "userID"

// Verifier 使用 HMAC 密钥签发和校验 token。
type Verifier struct {
	secret []byte
}

// NewVerifier 创建 Verifier。
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Issue 为用户签发 token, ttl 为 0 时不设置过期时间。
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Parse 校验 token 并返回 sub 中的用户 ID。
func (v *Verifier) Parse(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// 确保 token 的签名方法是我们期望的
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("非预期的签名方法")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("无效的 token: %v: %w", err, models.ErrUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("无效的 token: %w", models.ErrUnauthorized)
	}
	// 历史 token 的 sub 是数字, JWT 解析数字时默认为 float64
	switch sub := claims["sub"].(type) {
	case string:
		if sub != "" {
			return sub, nil
		}
	case float64:
		return strconv.FormatUint(uint64(sub), 10), nil
	}
	return "", fmt.Errorf("无效的 token claims: %w", models.ErrUnauthorized)
}

// TokenFromRequest 依次从 "Authorization: Bearer <token>" 与 token 查询参数中读取 token。
func TokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", fmt.Errorf("授权标头格式不正确: %w", models.ErrUnauthorized)
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("请求未包含授权信息: %w", models.ErrUnauthorized)
}

// Authenticate 校验请求携带的 token。
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	token, err := TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	return v.Parse(token)
}

// Middleware 创建一个 Gin 中间件，用于验证 JWT 并写入用户 ID。
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := v.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(ContextUserKey, userID)
		c.Next()
	}
}

// UserID 返回中间件写入的用户 ID。
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}
