package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 结构化日志器
type Logger struct {
	*zap.Logger
}

// Config 日志配置
type Config struct {
	Level      string `yaml:"level" json:"level"`             // debug, info, warn, error
	Format     string `yaml:"format" json:"format"`           // json, console
	OutputPath string `yaml:"output_path" json:"output_path"` // stdout, stderr 或文件路径
}

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	partnerIDKey   contextKey = "partner_id"
	providerIDKey  contextKey = "provider_id"
)

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger 创建日志器，并设为全局日志器
func NewLogger(config *Config) (*Logger, error) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch config.OutputPath {
	case "", "stdout":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, output, parseLevel(config.Level))
	l := &Logger{Logger: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))}

	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
	return l, nil
}

// NewNop 不输出任何内容的日志器，测试使用
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// GetLogger 获取全局日志器，未初始化时使用控制台默认配置
func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}
	l, err := NewLogger(&Config{Level: "info", Format: "console"})
	if err != nil {
		return NewNop()
	}
	return l
}

// WithExecution 在 context 中记录执行信息
func WithExecution(ctx context.Context, executionID, partnerID, providerID string) context.Context {
	ctx = context.WithValue(ctx, executionIDKey, executionID)
	ctx = context.WithValue(ctx, partnerIDKey, partnerID)
	return context.WithValue(ctx, providerIDKey, providerID)
}

// FromContext 从 context 创建带执行信息的日志器
func (l *Logger) FromContext(ctx context.Context) *Logger {
	fields := []zap.Field{}
	for _, key := range []contextKey{executionIDKey, partnerIDKey, providerIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	if len(fields) > 0 {
		return &Logger{Logger: l.With(fields...)}
	}
	return l
}

// WithFields 添加字段
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &Logger{Logger: l.With(zapFields...)}
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With(zap.Error(err))}
}

// WithComponent 添加组件字段
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(zap.String("component", component))}
}

// Sync 刷新日志缓冲区
func (l *Logger) Sync() error {
	return l.Logger.Sync()
}
