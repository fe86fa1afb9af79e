// Package auth 操作员 API 密钥认证
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// KeyPrefix API 密钥前缀，便于在日志与代码仓库扫描中识别
const KeyPrefix = "frpa_"

// ContextKeyHash gin 上下文中保存调用方密钥哈希前缀的键
const ContextKeyHash = "api_key_hash"

// GenerateAPIKey 生成 API 密钥，返回明文与用于配置的哈希
func GenerateAPIKey() (string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("生成随机数据失败: %w", err)
	}
	apiKey := KeyPrefix + hex.EncodeToString(randomBytes)
	return apiKey, HashAPIKey(apiKey), nil
}

// HashAPIKey 计算 API 密钥的 SHA-256（hex）
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// IsKeyHash 是否为合法的密钥哈希
func IsKeyHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// validateFormat 校验密钥格式
func validateFormat(apiKey string) error {
	if len(apiKey) < len(KeyPrefix)+16 {
		return fmt.Errorf("API密钥长度不足")
	}
	if !strings.HasPrefix(apiKey, KeyPrefix) {
		return fmt.Errorf("无效的API密钥格式")
	}
	return nil
}

// KeySet 允许访问的密钥哈希集合，配置中只保存哈希
type KeySet struct {
	hashes [][]byte
}

// NewKeySet 由 hex 哈希创建密钥集合
func NewKeySet(hexHashes []string) (*KeySet, error) {
	set := &KeySet{}
	for _, h := range hexHashes {
		raw, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(h)))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("无效的API密钥哈希: %q", h)
		}
		set.hashes = append(set.hashes, raw)
	}
	return set, nil
}

// Empty 未配置任何密钥
func (s *KeySet) Empty() bool {
	return s == nil || len(s.hashes) == 0
}

// Contains 比较全部哈希，耗时与命中位置无关
func (s *KeySet) Contains(apiKey string) bool {
	if s.Empty() {
		return false
	}
	sum := sha256.Sum256([]byte(apiKey))
	found := 0
	for _, h := range s.hashes {
		found |= subtle.ConstantTimeCompare(sum[:], h)
	}
	return found == 1
}

// extractKey 依次读取 X-API-Key 与 Authorization: Bearer
func extractKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(bearer)
	}
	// 截图以 <img src> 轮询时无法携带请求头
	if c.Request.Method == http.MethodGet {
		return c.Query("api_key")
	}
	return ""
}

// APIKeyMiddleware API 密钥认证中间件，密钥集合为空时放行
func APIKeyMiddleware(set *KeySet) gin.HandlerFunc {
	return func(c *gin.Context) {
		if set.Empty() {
			c.Next()
			return
		}

		apiKey := extractKey(c)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少API密钥"})
			return
		}
		if err := validateFormat(apiKey); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if !set.Contains(apiKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的API密钥"})
			return
		}

		c.Set(ContextKeyHash, HashAPIKey(apiKey)[:12])
		c.Next()
	}
}
