package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "FLEETRPA"

// EnvConfig 环境变量配置管理
type EnvConfig struct {
	prefix string
}

// NewEnvConfig 创建环境变量配置管理器
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: strings.ToUpper(prefix),
	}
}

func (e *EnvConfig) lookup(key string) (string, bool) {
	v := os.Getenv(e.prefix + "_" + strings.ToUpper(key))
	return v, v != ""
}

// GetString 获取字符串环境变量
func (e *EnvConfig) GetString(key, defaultValue string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return defaultValue
}

// GetInt 获取整数环境变量
func (e *EnvConfig) GetInt(key string, defaultValue int) int {
	if value, ok := e.lookup(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool 获取布尔环境变量
func (e *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value, ok := e.lookup(key); ok {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration 获取时间间隔环境变量
func (e *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := e.lookup(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetList 解析逗号分隔的环境变量
func (e *EnvConfig) GetList(key string, defaultValue []string) []string {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetMap 解析 "a=x,b=y" 形式的环境变量
func (e *EnvConfig) GetMap(key string, defaultValue map[string]string) map[string]string {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	out := map[string]string{}
	for _, pair := range strings.Split(value, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(pair), "=")
		if found && k != "" {
			out[k] = v
		}
	}
	return out
}

// LoadFromEnv 从环境变量加载配置到现有配置结构
func LoadFromEnv(cfg *Config) {
	env := NewEnvConfig(EnvPrefix)

	// 服务器配置
	cfg.Server.Port = env.GetInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Mode = env.GetString("SERVER_MODE", cfg.Server.Mode)
	cfg.Server.ShutdownTimeout = env.GetDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.APIKeyHashes = env.GetList("API_KEY_HASHES", cfg.Server.APIKeyHashes)

	// 日志配置
	cfg.Log.Level = env.GetString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.GetString("LOG_FORMAT", cfg.Log.Format)

	// 调度
	cfg.Scheduler.Enabled = env.GetBool("SCHEDULER_ENABLED", cfg.Scheduler.Enabled)
	cfg.Scheduler.TickSpec = env.GetString("SCHEDULER_TICK", cfg.Scheduler.TickSpec)
	cfg.Scheduler.Timezone = env.GetString("TIMEZONE", cfg.Scheduler.Timezone)

	// 浏览器
	cfg.Browser.Headless = env.GetBool("BROWSER_HEADLESS", cfg.Browser.Headless)
	cfg.Browser.ExecPath = env.GetString("BROWSER_EXEC_PATH", cfg.Browser.ExecPath)
	cfg.Browser.StepTimeout = env.GetDuration("STEP_TIMEOUT", cfg.Browser.StepTimeout)

	// 凭据库主密钥只建议通过环境变量注入
	cfg.Vault.ActiveKey = env.GetString("VAULT_ACTIVE_KEY", cfg.Vault.ActiveKey)
	cfg.Vault.Keys = env.GetMap("VAULT_KEYS", cfg.Vault.Keys)

	// 存储
	cfg.Storage.Type = env.GetString("STORAGE_TYPE", cfg.Storage.Type)
	cfg.Storage.MongoDB.URI = env.GetString("MONGODB_URI", cfg.Storage.MongoDB.URI)
	cfg.Storage.MongoDB.Database = env.GetString("MONGODB_DATABASE", cfg.Storage.MongoDB.Database)

	cfg.Summary.Driver = env.GetString("SUMMARY_DRIVER", cfg.Summary.Driver)
	cfg.Summary.DSN = env.GetString("SUMMARY_DSN", cfg.Summary.DSN)
	cfg.Summary.Host = env.GetString("DB_HOST", cfg.Summary.Host)
	cfg.Summary.Port = env.GetInt("DB_PORT", cfg.Summary.Port)
	cfg.Summary.User = env.GetString("DB_USER", cfg.Summary.User)
	cfg.Summary.Password = env.GetString("DB_PASSWORD", cfg.Summary.Password)
	cfg.Summary.Database = env.GetString("DB_NAME", cfg.Summary.Database)

	cfg.Catalog.Dir = env.GetString("CATALOG_DIR", cfg.Catalog.Dir)
	cfg.Catalog.Watch = env.GetBool("CATALOG_WATCH", cfg.Catalog.Watch)

	cfg.Metrics.Enabled = env.GetBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Port = env.GetInt("METRICS_PORT", cfg.Metrics.Port)
}

// GetEnvExample 获取环境变量示例
func GetEnvExample() map[string]string {
	return map[string]string{
		"FLEETRPA_SERVER_PORT":      "8080",
		"FLEETRPA_LOG_LEVEL":        "info",
		"FLEETRPA_TIMEZONE":         "Europe/Lisbon",
		"FLEETRPA_API_KEY_HASHES":   "<sha256 hex>,<sha256 hex>",
		"FLEETRPA_VAULT_ACTIVE_KEY": "k1",
		"FLEETRPA_VAULT_KEYS":       "k1=<base64 32 字节>",
		"FLEETRPA_STORAGE_TYPE":     "mongodb",
		"FLEETRPA_MONGODB_URI":      "mongodb://localhost:27017",
		"FLEETRPA_SUMMARY_DRIVER":   "postgres",
		"FLEETRPA_DB_HOST":          "localhost",
		"FLEETRPA_DB_PASSWORD":      "postgres",
		"FLEETRPA_CATALOG_DIR":      "/etc/fleetrpa/catalog",
	}
}
