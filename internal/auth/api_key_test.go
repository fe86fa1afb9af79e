package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, KeyPrefix))
	assert.Equal(t, HashAPIKey(key), hash)
	assert.True(t, IsKeyHash(hash))
	assert.False(t, IsKeyHash("abc"))
	assert.False(t, IsKeyHash(strings.Repeat("z", 64)))
}

func TestKeySet(t *testing.T) {
	k1, h1, err := GenerateAPIKey()
	require.NoError(t, err)
	k2, _, err := GenerateAPIKey()
	require.NoError(t, err)

	set, err := NewKeySet([]string{strings.ToUpper(h1)})
	require.NoError(t, err)
	assert.True(t, set.Contains(k1))
	assert.False(t, set.Contains(k2))

	_, err = NewKeySet([]string{"not-hex"})
	assert.Error(t, err)

	var empty *KeySet
	assert.True(t, empty.Empty())
	assert.False(t, empty.Contains(k1))
}

func TestAPIKeyMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	key, hash, err := GenerateAPIKey()
	require.NoError(t, err)
	set, err := NewKeySet([]string{hash})
	require.NoError(t, err)

	newRouter := func(set *KeySet) *gin.Engine {
		r := gin.New()
		r.Use(APIKeyMiddleware(set))
		handler := func(c *gin.Context) {
			c.String(http.StatusOK, c.GetString(ContextKeyHash))
		}
		r.GET("/x", handler)
		r.POST("/x", handler)
		return r
	}

	serve := func(r *gin.Engine, method, target string, header map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	r := newRouter(set)

	t.Run("X-API-Key", func(t *testing.T) {
		rec := serve(r, http.MethodPost, "/x", map[string]string{"X-API-Key": key})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, hash[:12], rec.Body.String())
	})

	t.Run("Bearer", func(t *testing.T) {
		rec := serve(r, http.MethodPost, "/x", map[string]string{"Authorization": "Bearer " + key})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("GET 允许查询参数", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/x?api_key="+key, nil).Code)
		assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/x?api_key="+key, nil).Code)
	})

	t.Run("缺少或错误的密钥", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/x", nil).Code)
		assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/x", map[string]string{"X-API-Key": "short"}).Code)
		other, _, err := GenerateAPIKey()
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/x", map[string]string{"X-API-Key": other}).Code)
	})

	t.Run("未配置密钥时放行", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(newRouter(nil), http.MethodPost, "/x", nil).Code)
	})
}
