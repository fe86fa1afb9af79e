package mongodb

import (
	"fmt"
	"time"
)

// Config MongoDB 配置
type Config struct {
	URI             string        `yaml:"uri" json:"uri"`
	Database        string        `yaml:"database" json:"database"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	MaxPoolSize     uint64        `yaml:"max_pool_size" json:"max_pool_size"`
	MinPoolSize     uint64        `yaml:"min_pool_size" json:"min_pool_size"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		URI:             "mongodb://localhost:27017",
		Database:        "fleetrpa",
		Timeout:         10 * time.Second,
		MaxPoolSize:     50,
		MinPoolSize:     2,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// Validate 验证配置并补齐默认值
func (c *Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("MongoDB URI 不能为空")
	}
	if c.Database == "" {
		return fmt.Errorf("数据库名不能为空")
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 50
	}
	if c.MinPoolSize > c.MaxPoolSize {
		return fmt.Errorf("最小连接数 %d 大于最大连接数 %d", c.MinPoolSize, c.MaxPoolSize)
	}
	return nil
}
