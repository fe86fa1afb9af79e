package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	ctx := WithExecution(context.Background(), "exec-1", "partner-9", "bolt")
	l.FromContext(ctx).WithComponent("worker").Info("开始执行")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "exec-1", fields["execution_id"])
	assert.Equal(t, "partner-9", fields["partner_id"])
	assert.Equal(t, "bolt", fields["provider_id"])
	assert.Equal(t, "worker", fields["component"])
}

func TestNewLogger(t *testing.T) {
	t.Run("写入文件", func(t *testing.T) {
		path := t.TempDir() + "/fleetrpa.log"
		l, err := NewLogger(&Config{Level: "debug", Format: "json", OutputPath: path})
		require.NoError(t, err)
		l.Info("hello")
		assert.NoError(t, l.Sync())
		assert.Same(t, l, GetLogger())
	})

	t.Run("无效路径", func(t *testing.T) {
		_, err := NewLogger(&Config{OutputPath: t.TempDir() + "/missing/dir/x.log"})
		assert.Error(t, err)
	})
}
