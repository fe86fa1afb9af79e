package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("独立注册表可重复创建", func(t *testing.T) {
		a, b := NewMetrics(), NewMetrics()
		a.RecordExecution("uber", "sucesso", time.Second)
		assert.Equal(t, 1.0, testutil.ToFloat64(a.ExecutionsTotal.WithLabelValues("uber", "sucesso")))
		assert.Equal(t, 0.0, testutil.ToFloat64(b.ExecutionsTotal.WithLabelValues("uber", "sucesso")))
	})

	t.Run("nil 接收者安全", func(t *testing.T) {
		var m *Metrics
		m.RecordExecution("uber", "erro", 0)
		m.RecordSkip("uber", "overlap")
		m.ExecutionStarted()()
	})

	t.Run("运行中计数", func(t *testing.T) {
		m := NewMetrics()
		done := m.ExecutionStarted()
		assert.Equal(t, 1.0, testutil.ToFloat64(m.RunningExecutions))
		done()
		assert.Equal(t, 0.0, testutil.ToFloat64(m.RunningExecutions))
	})

	t.Run("暴露指标", func(t *testing.T) {
		m := NewMetrics()
		m.RecordRecords("bolt", 6, 2)
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		assert.Contains(t, rec.Body.String(), `fleetrpa_records_rejected_total{provider="bolt"} 2`)
	})
}
