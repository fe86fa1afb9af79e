package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"github.com/datafusion/fleetrpa/internal/browser"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/storage/mongodb"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       logger.Config   `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Browser   BrowserConfig   `yaml:"browser"`
	Vault     VaultConfig     `yaml:"vault"`
	Storage   StorageConfig   `yaml:"storage"`
	Summary   SummaryConfig   `yaml:"summary"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port         int    `yaml:"port"`
	Mode         string `yaml:"mode"`          // debug, release, test
	ReadTimeout  int    `yaml:"read_timeout"`  // 秒
	WriteTimeout int    `yaml:"write_timeout"` // 秒
	// ShutdownTimeout 等待进行中执行结束的时间
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeyHashes 允许访问 /api/v1 的密钥 SHA-256（hex），为空时不校验
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// SchedulerConfig 调度配置
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TickSpec string `yaml:"tick_spec"`
	Timezone string `yaml:"timezone"`
}

// Location 解析调度时区
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// BrowserConfig 浏览器与执行器配置
type BrowserConfig struct {
	browser.Options `yaml:",inline"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	LoopCeiling     int           `yaml:"loop_ceiling"`
	CodeTimeout     time.Duration `yaml:"code_timeout"`
	ScreenshotDir   string        `yaml:"screenshot_dir"`
}

// VaultConfig 凭据库主密钥，keys 为 base64 编码
type VaultConfig struct {
	ActiveKey string            `yaml:"active_key"`
	Keys      map[string]string `yaml:"keys"`
}

// StorageConfig 文档存储配置
type StorageConfig struct {
	Type    string         `yaml:"type"` // memory, mongodb
	MongoDB mongodb.Config `yaml:"mongodb"`
}

// SummaryConfig 周汇总存储配置
type SummaryConfig struct {
	Driver   string `yaml:"driver"` // memory, postgres, mysql, sqlite
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DataSourceName 未直接配置 DSN 时按驱动拼接
func (s SummaryConfig) DataSourceName() string {
	if s.DSN != "" {
		return s.DSN
	}
	switch s.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.Host, s.Port, s.User, s.Password, s.Database, s.SSLMode)
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = s.User
		mc.Passwd = s.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
		mc.DBName = s.Database
		return mc.FormatDSN()
	case "sqlite":
		return s.Database
	}
	return ""
}

// CatalogConfig 定义文件目录，为空时不加载
type CatalogConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Mode:            "release",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 2 * time.Minute,
		},
		Log: logger.Config{Level: "info", Format: "console", OutputPath: "stdout"},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			TickSpec: "@every 5m",
			Timezone: "UTC",
		},
		Browser: BrowserConfig{
			Options:       browser.Options{Headless: true, WindowWidth: 1920, WindowHeight: 1080},
			StepTimeout:   30 * time.Second,
			CodeTimeout:   5 * time.Minute,
			ScreenshotDir: "data/screenshots",
		},
		Storage: StorageConfig{Type: "memory", MongoDB: *mongodb.DefaultConfig()},
		Summary: SummaryConfig{Driver: "memory", SSLMode: "disable"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// LoadConfig 加载配置文件，未出现的字段保留默认值，然后应用环境变量
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}
	LoadFromEnv(cfg)

	if cfg.Summary.Port == 0 {
		switch cfg.Summary.Driver {
		case "postgres":
			cfg.Summary.Port = 5432
		case "mysql":
			cfg.Summary.Port = 3306
		}
	}
	return cfg, nil
}
