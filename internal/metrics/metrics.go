package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标收集器。方法对 nil 接收者安全，未启用指标的组件可直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	// 执行指标
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepFailures      *prometheus.CounterVec
	RunningExecutions prometheus.Gauge

	// 调度指标
	SchedulerTicks       prometheus.Counter
	SchedulesDispatched  *prometheus.CounterVec
	SchedulesSkipped     *prometheus.CounterVec
	SchedulerTickSeconds prometheus.Histogram

	// 会话指标
	LiveSessions   prometheus.Gauge
	SessionsLost   *prometheus.CounterVec
	StatePersisted *prometheus.CounterVec

	// 数据指标
	RecordsMerged   *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec

	// 存储指标
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrors            *prometheus.CounterVec
}

// NewMetrics 在独立的注册表上创建指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_executions_total",
				Help: "Total number of finished executions by provider and final status",
			},
			[]string{"provider", "status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetrpa_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"provider"},
		),
		StepFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_step_failures_total",
				Help: "Total number of failed steps by step kind and whether the step was optional",
			},
			[]string{"kind", "optional"},
		),
		RunningExecutions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetrpa_running_executions",
				Help: "Number of executions currently driving a browser",
			},
		),

		SchedulerTicks: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fleetrpa_scheduler_ticks_total",
				Help: "Total number of scheduler ticks",
			},
		),
		SchedulesDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_schedules_dispatched_total",
				Help: "Total number of schedule firings that produced an execution",
			},
			[]string{"provider"},
		),
		SchedulesSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_schedules_skipped_total",
				Help: "Total number of schedule firings skipped",
			},
			[]string{"provider", "reason"},
		),
		SchedulerTickSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetrpa_scheduler_tick_duration_seconds",
				Help:    "Scheduler tick duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		LiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetrpa_live_sessions",
				Help: "Number of live browser sessions",
			},
		),
		SessionsLost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_sessions_lost_total",
				Help: "Total number of browser sessions lost mid-use",
			},
			[]string{"provider"},
		),
		StatePersisted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_session_state_persisted_total",
				Help: "Total number of authenticated session states persisted",
			},
			[]string{"provider"},
		),

		RecordsMerged: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_records_merged_total",
				Help: "Total number of normalized records merged into weekly summaries",
			},
			[]string{"provider"},
		),
		RecordsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_records_rejected_total",
				Help: "Total number of extracted rows rejected by normalization",
			},
			[]string{"provider"},
		),

		StorageOperationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetrpa_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "storage_type"},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetrpa_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"operation", "storage_type"},
		),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordExecution 记录执行结束
func (m *Metrics) RecordExecution(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(provider, status).Inc()
	if duration > 0 {
		m.ExecutionDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordStepFailure 记录步骤失败
func (m *Metrics) RecordStepFailure(kind string, optional bool) {
	if m == nil {
		return
	}
	m.StepFailures.WithLabelValues(kind, fmt.Sprint(optional)).Inc()
}

// ExecutionStarted 运行中执行数加一，返回的函数用于减一
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.RunningExecutions.Inc()
	return m.RunningExecutions.Dec
}

// RecordTick 记录一次调度
func (m *Metrics) RecordTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Inc()
	m.SchedulerTickSeconds.Observe(duration.Seconds())
}

// RecordDispatch 记录调度触发
func (m *Metrics) RecordDispatch(provider string) {
	if m == nil {
		return
	}
	m.SchedulesDispatched.WithLabelValues(provider).Inc()
}

// RecordSkip 记录跳过的调度（overlap、missing_credential 等）
func (m *Metrics) RecordSkip(provider, reason string) {
	if m == nil {
		return
	}
	m.SchedulesSkipped.WithLabelValues(provider, reason).Inc()
}

// SetLiveSessions 设置存活会话数
func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.LiveSessions.Set(float64(n))
}

// RecordSessionLost 记录会话丢失
func (m *Metrics) RecordSessionLost(provider string) {
	if m == nil {
		return
	}
	m.SessionsLost.WithLabelValues(provider).Inc()
}

// RecordStatePersisted 记录会话状态持久化
func (m *Metrics) RecordStatePersisted(provider string) {
	if m == nil {
		return
	}
	m.StatePersisted.WithLabelValues(provider).Inc()
}

// RecordRecords 记录合并与拒绝的记录数
func (m *Metrics) RecordRecords(provider string, merged, rejected int) {
	if m == nil {
		return
	}
	m.RecordsMerged.WithLabelValues(provider).Add(float64(merged))
	m.RecordsRejected.WithLabelValues(provider).Add(float64(rejected))
}

// RecordStorageOperation 记录存储操作耗时与错误
func (m *Metrics) RecordStorageOperation(operation, storageType string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StorageOperationDuration.WithLabelValues(operation, storageType).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StorageErrors.WithLabelValues(operation, storageType).Inc()
	}
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartMetricsServer 启动指标服务器，ctx 结束时关闭
func StartMetricsServer(ctx context.Context, port int, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("指标服务器异常退出: %w", err)
	}
	return nil
}
