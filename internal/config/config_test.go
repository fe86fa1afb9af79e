package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Vault = VaultConfig{ActiveKey: "k1", Keys: map[string]string{"k1": testKey()}}
	return cfg
}

func TestLoadConfig(t *testing.T) {
	t.Run("文件字段覆盖默认值", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9000
scheduler:
  timezone: Europe/Lisbon
  tick_spec: "@every 1m"
browser:
  headless: false
  step_timeout: 45s
summary:
  driver: postgres
  host: db
  user: rpa
  database: fleet
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "release", cfg.Server.Mode)
		assert.Equal(t, "Europe/Lisbon", cfg.Scheduler.Timezone)
		assert.False(t, cfg.Browser.Headless)
		assert.Equal(t, 45*time.Second, cfg.Browser.StepTimeout)
		assert.Equal(t, 1920, cfg.Browser.WindowWidth)
		assert.Equal(t, 5432, cfg.Summary.Port)
		assert.Equal(t, "memory", cfg.Storage.Type)
	})

	t.Run("环境变量优先于文件", func(t *testing.T) {
		t.Setenv("FLEETRPA_SERVER_PORT", "7000")
		t.Setenv("FLEETRPA_VAULT_ACTIVE_KEY", "k2")
		t.Setenv("FLEETRPA_VAULT_KEYS", "k1=aaa, k2=bbb")
		t.Setenv("FLEETRPA_STEP_TIMEOUT", "10s")

		cfg, err := LoadConfig(writeConfig(t, "server:\n  port: 9000\n"))
		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Server.Port)
		assert.Equal(t, "k2", cfg.Vault.ActiveKey)
		assert.Equal(t, map[string]string{"k1": "aaa", "k2": "bbb"}, cfg.Vault.Keys)
		assert.Equal(t, 10*time.Second, cfg.Browser.StepTimeout)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("空路径只使用默认值", func(t *testing.T) {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
	})
}

func TestDataSourceName(t *testing.T) {
	pg := SummaryConfig{Driver: "postgres", Host: "db", Port: 5432, User: "rpa", Password: "x", Database: "fleet", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=rpa password=x dbname=fleet sslmode=disable", pg.DataSourceName())

	my := SummaryConfig{Driver: "mysql", Host: "db", Port: 3306, User: "rpa", Password: "x", Database: "fleet"}
	assert.True(t, strings.HasPrefix(my.DataSourceName(), "rpa:x@tcp(db:3306)/fleet"), my.DataSourceName())

	explicit := SummaryConfig{Driver: "postgres", DSN: "postgres://a@b/c"}
	assert.Equal(t, "postgres://a@b/c", explicit.DataSourceName())
}

func fields(r *ValidationResult) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Field)
	}
	return out
}

func TestValidateConfig(t *testing.T) {
	v := NewConfigValidator()

	t.Run("默认配置加密钥后通过", func(t *testing.T) {
		r := v.ValidateConfig(validConfig())
		assert.True(t, r.Valid, "%v", r.Errors)
		assert.NoError(t, r.Err())
	})

	t.Run("缺少密钥", func(t *testing.T) {
		r := v.ValidateConfig(Default())
		assert.False(t, r.Valid)
		assert.Contains(t, fields(r), "vault.active_key")
	})

	t.Run("密钥长度错误且不回显内容", func(t *testing.T) {
		cfg := validConfig()
		cfg.Vault.Keys["k1"] = base64.StdEncoding.EncodeToString([]byte("short"))
		r := v.ValidateConfig(cfg)
		assert.Contains(t, fields(r), "vault.keys.k1")
		assert.NotContains(t, r.Err().Error(), cfg.Vault.Keys["k1"])
	})

	t.Run("无效的时区与扫描周期", func(t *testing.T) {
		cfg := validConfig()
		cfg.Scheduler.Timezone = "Lua/Crescente"
		cfg.Scheduler.TickSpec = "sometimes"
		r := v.ValidateConfig(cfg)
		assert.ElementsMatch(t, []string{"scheduler.timezone", "scheduler.tick_spec"}, fields(r))
	})

	t.Run("汇总数据库缺少连接信息", func(t *testing.T) {
		cfg := validConfig()
		cfg.Summary = SummaryConfig{Driver: "postgres", Port: 5432, SSLMode: "disable"}
		r := v.ValidateConfig(cfg)
		assert.ElementsMatch(t, []string{"summary.host", "summary.user", "summary.database"}, fields(r))
	})

	t.Run("未知的存储类型", func(t *testing.T) {
		cfg := validConfig()
		cfg.Storage.Type = "redis"
		cfg.Summary.Driver = "oracle"
		r := v.ValidateConfig(cfg)
		assert.ElementsMatch(t, []string{"storage.type", "summary.driver"}, fields(r))
	})

	t.Run("监视定义文件需要目录", func(t *testing.T) {
		cfg := validConfig()
		cfg.Catalog.Watch = true
		assert.Equal(t, []string{"catalog.dir"}, fields(v.ValidateConfig(cfg)))
	})
}

func TestGetConfigRecommendations(t *testing.T) {
	recs := GetConfigRecommendations(Default())
	assert.NotEmpty(t, recs)
}
