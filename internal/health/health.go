package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 函数形式的 Pinger
type PingFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker 健康检查器
type HealthChecker struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{checks: map[string]Pinger{}, timeout: timeout}
}

// Register 注册依赖检查
func (h *HealthChecker) Register(name string, p Pinger) *HealthChecker {
	h.checks[name] = p
	return h
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Live 存活检查，不访问依赖
func (h *HealthChecker) Live() *HealthStatus {
	return &HealthStatus{Status: "ok", Timestamp: time.Now(), Checks: map[string]string{}}
}

// Ready 逐个探测依赖，任一失败即为 error
func (h *HealthChecker) Ready(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := h.checks[name].Ping(pctx)
		cancel()
		if err != nil {
			status.Status = "error"
			status.Checks[name] = fmt.Sprintf("failed: %v", err)
			continue
		}
		status.Checks[name] = "ok"
	}
	return status
}

// HealthzHandler 健康检查端点 (/healthz)
func (h *HealthChecker) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, h.Live())
}

// ReadyzHandler 就绪检查端点 (/readyz)
func (h *HealthChecker) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, h.Ready(r.Context()))
}

// HTTPStatus 状态对应的 HTTP 状态码
func (s *HealthStatus) HTTPStatus() int {
	if s.Status != "ok" {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeStatus(w http.ResponseWriter, status *HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status.HTTPStatus())
	json.NewEncoder(w).Encode(status)
}
