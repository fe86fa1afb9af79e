package config

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/datafusion/fleetrpa/internal/auth"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/vault"
)

// ValidationError 配置验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value"`
}

// Error 实现error接口
func (e ValidationError) Error() string {
	return fmt.Sprintf("配置验证失败 [%s]: %s (当前值: %s)", e.Field, e.Message, e.Value)
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors"`
}

// Err 合并为单个错误，通过时为 nil
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// ConfigValidator 配置验证器
type ConfigValidator struct {
	errors []ValidationError
}

// NewConfigValidator 创建配置验证器
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		errors: make([]ValidationError, 0),
	}
}

// ValidateConfig 验证完整配置
func (v *ConfigValidator) ValidateConfig(config *Config) *ValidationResult {
	v.errors = make([]ValidationError, 0)

	v.validateServerConfig(&config.Server)
	v.validateLogConfig(config)
	v.validateSchedulerConfig(&config.Scheduler)
	v.validateBrowserConfig(&config.Browser)
	v.validateVaultConfig(&config.Vault)
	v.validateStorageConfig(config)

	if config.Catalog.Watch && config.Catalog.Dir == "" {
		v.addError("catalog.dir", "启用watch时必须设置定义文件目录", "")
	}

	if config.Metrics.Enabled && (config.Metrics.Port < 1 || config.Metrics.Port > 65535) {
		v.addError("metrics.port", "端口必须在1-65535范围内", strconv.Itoa(config.Metrics.Port))
	}

	return &ValidationResult{
		Valid:  len(v.errors) == 0,
		Errors: v.errors,
	}
}

// validateServerConfig 验证服务器配置
func (v *ConfigValidator) validateServerConfig(config *ServerConfig) {
	if config.Port < 1 || config.Port > 65535 {
		v.addError("server.port", "端口必须在1-65535范围内", strconv.Itoa(config.Port))
	}

	validModes := []string{"debug", "release", "test"}
	if !v.contains(validModes, config.Mode) {
		v.addError("server.mode", "模式必须是debug、release或test之一", config.Mode)
	}

	if config.ReadTimeout < 1 || config.ReadTimeout > 300 {
		v.addError("server.read_timeout", "读取超时必须在1-300秒范围内", strconv.Itoa(config.ReadTimeout))
	}
	if config.WriteTimeout < 1 || config.WriteTimeout > 300 {
		v.addError("server.write_timeout", "写入超时必须在1-300秒范围内", strconv.Itoa(config.WriteTimeout))
	}
	for i, h := range config.APIKeyHashes {
		if !auth.IsKeyHash(h) {
			v.addError(fmt.Sprintf("server.api_key_hashes[%d]", i), "必须是 64 位十六进制 SHA-256", h)
		}
	}
}

// validateLogConfig 验证日志配置
func (v *ConfigValidator) validateLogConfig(config *Config) {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !v.contains(validLevels, config.Log.Level) {
		v.addError("log.level", "日志级别必须是debug、info、warn或error之一", config.Log.Level)
	}

	validFormats := []string{"json", "console"}
	if !v.contains(validFormats, config.Log.Format) {
		v.addError("log.format", "日志格式必须是json或console之一", config.Log.Format)
	}
}

func (v *ConfigValidator) validateSchedulerConfig(config *SchedulerConfig) {
	if _, err := config.Location(); err != nil {
		v.addError("scheduler.timezone", "无效的时区", config.Timezone)
	}
	if config.Enabled {
		if _, err := cron.ParseStandard(config.TickSpec); err != nil {
			v.addError("scheduler.tick_spec", "无效的扫描周期", config.TickSpec)
		}
	}
}

func (v *ConfigValidator) validateBrowserConfig(config *BrowserConfig) {
	if config.StepTimeout <= 0 {
		v.addError("browser.step_timeout", "步骤超时必须大于0", config.StepTimeout.String())
	}
	if config.LoopCeiling < 0 || config.LoopCeiling > step.HardLoopCeiling {
		v.addError("browser.loop_ceiling", fmt.Sprintf("循环上限必须在0-%d范围内", step.HardLoopCeiling), strconv.Itoa(config.LoopCeiling))
	}
}

func (v *ConfigValidator) validateVaultConfig(config *VaultConfig) {
	if config.ActiveKey == "" {
		v.addError("vault.active_key", "活动密钥不能为空", "")
		return
	}
	if _, ok := config.Keys[config.ActiveKey]; !ok {
		v.addError("vault.keys", "活动密钥不在密钥列表中", config.ActiveKey)
	}
	// 错误信息中不回显密钥内容
	for id, encoded := range config.Keys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			v.addError("vault.keys."+id, "密钥必须是base64编码", "******")
			continue
		}
		if len(raw) != vault.KeySize {
			v.addError("vault.keys."+id, fmt.Sprintf("密钥长度必须为%d字节", vault.KeySize), fmt.Sprintf("%d字节", len(raw)))
		}
	}
}

func (v *ConfigValidator) validateStorageConfig(config *Config) {
	switch config.Storage.Type {
	case "memory":
	case "mongodb":
		if config.Storage.MongoDB.URI == "" {
			v.addError("storage.mongodb.uri", "MongoDB地址不能为空", "")
		}
	default:
		v.addError("storage.type", "存储类型必须是memory或mongodb之一", config.Storage.Type)
	}

	s := config.Summary
	switch s.Driver {
	case "memory":
	case "sqlite":
		if s.DataSourceName() == "" {
			v.addError("summary.database", "SQLite数据库文件不能为空", "")
		}
	case "postgres", "mysql":
		if s.DSN != "" {
			return
		}
		if s.Host == "" {
			v.addError("summary.host", "数据库主机不能为空", "")
		}
		if s.Port < 1 || s.Port > 65535 {
			v.addError("summary.port", "数据库端口必须在1-65535范围内", strconv.Itoa(s.Port))
		}
		if s.User == "" {
			v.addError("summary.user", "数据库用户名不能为空", "")
		}
		if s.Database == "" {
			v.addError("summary.database", "数据库名不能为空", "")
		}
		validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
		if s.Driver == "postgres" && !v.contains(validSSLModes, s.SSLMode) {
			v.addError("summary.sslmode", "无效的SSL模式", s.SSLMode)
		}
	default:
		v.addError("summary.driver", "汇总存储必须是memory、postgres、mysql或sqlite之一", s.Driver)
	}
}

// addError 添加验证错误
func (v *ConfigValidator) addError(field, message, value string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// contains 检查切片是否包含指定值
func (v *ConfigValidator) contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ValidateConfigFile 验证配置文件
func ValidateConfigFile(configPath string) (*ValidationResult, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "config_file",
					Message: "配置文件加载失败: " + err.Error(),
					Value:   configPath,
				},
			},
		}, err
	}

	validator := NewConfigValidator()
	return validator.ValidateConfig(config), nil
}

// GetConfigRecommendations 获取配置建议
func GetConfigRecommendations(config *Config) []string {
	var recommendations []string

	if config.Server.Mode == "debug" {
		recommendations = append(recommendations, "生产环境建议将server.mode设置为release")
	}
	if len(config.Server.APIKeyHashes) == 0 {
		recommendations = append(recommendations, "未配置server.api_key_hashes，API不做认证，人工接管接口可被任意调用")
	}
	if config.Storage.Type == "memory" {
		recommendations = append(recommendations, "内存存储重启后丢失凭据与执行记录，生产环境建议使用mongodb")
	}
	if config.Summary.Driver == "memory" {
		recommendations = append(recommendations, "周汇总建议使用postgres或mysql持久化")
	}
	if !config.Browser.Headless {
		recommendations = append(recommendations, "服务器环境建议开启browser.headless")
	}
	if len(config.Vault.Keys) > 3 {
		recommendations = append(recommendations, "完成密钥轮换后建议移除不再使用的旧密钥")
	}
	if config.Log.Level == "debug" && config.Server.Mode == "release" {
		recommendations = append(recommendations, "生产环境建议将日志级别设置为info或warn")
	}

	return recommendations
}
