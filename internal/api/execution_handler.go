package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/worker"
)

type ExecutionHandler struct {
	worker *worker.Worker
	ledger *ledger.Ledger
	log    *logger.Logger
}

func NewExecutionHandler(w *worker.Worker, l *ledger.Ledger, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{worker: w, ledger: l, log: log}
}

// Run 手动触发执行，立即返回 pending 记录
func (h *ExecutionHandler) Run(c *gin.Context) {
	var req worker.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "detail": err.Error()})
		return
	}

	exec, err := h.worker.Trigger(c.Request.Context(), req)
	if err != nil {
		if exec != nil && statusOf(err) == http.StatusConflict {
			c.JSON(http.StatusConflict, gin.H{"error": "上一次执行仍在进行", "execution": exec})
			return
		}
		abort(c, h.log, "触发执行失败", err)
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel 取消执行
func (h *ExecutionHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	// 请求体可选
	_ = c.ShouldBindJSON(&req)

	exec, err := h.worker.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		abort(c, h.log, "取消执行失败", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Get 获取单个执行记录
func (h *ExecutionHandler) Get(c *gin.Context) {
	exec, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, h.log, "执行记录不存在", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// List 获取执行历史列表
func (h *ExecutionHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	f := storage.ExecutionFilter{
		ScheduleID: c.Query("schedule_id"),
		PartnerID:  c.Query("partner_id"),
		ProviderID: c.Query("provider_id"),
		Limit:      limit,
	}
	if status := c.Query("status"); status != "" {
		f.Statuses = []models.ExecutionStatus{models.ExecutionStatus(status)}
	}

	items, err := h.ledger.List(c.Request.Context(), f)
	if err != nil {
		abort(c, h.log, "查询执行历史失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}
