package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Pool MongoDB 连接池
type Pool struct {
	client *mongo.Client
	config *Config
	mu     sync.RWMutex
	closed bool
}

// NewPool 连接并校验 MongoDB
func NewPool(ctx context.Context, config *Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	clientOpts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize).
		SetMinPoolSize(config.MinPoolSize).
		SetMaxConnIdleTime(config.MaxConnIdleTime).
		SetConnectTimeout(config.Timeout)

	ctx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDB 连接测试失败: %w", err)
	}

	return &Pool{client: client, config: config}, nil
}

// Client 获取客户端
func (p *Pool) Client() (*mongo.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("连接池已关闭")
	}
	return p.client, nil
}

// Collection 获取集合
func (p *Pool) Collection(name string) (*mongo.Collection, error) {
	client, err := p.Client()
	if err != nil {
		return nil, err
	}
	return client.Database(p.config.Database).Collection(name), nil
}

// Ping 检查连接
func (p *Pool) Ping(ctx context.Context) error {
	client, err := p.Client()
	if err != nil {
		return err
	}
	return client.Ping(ctx, nil)
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("关闭 MongoDB 连接失败: %w", err)
	}
	p.closed = true
	return nil
}
