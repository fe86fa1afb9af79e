package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/scheduler"
	"github.com/datafusion/fleetrpa/internal/storage"
)

type ScheduleHandler struct {
	store     storage.Store
	scheduler *scheduler.Scheduler
	ledger    *ledger.Ledger
	log       *logger.Logger
}

func NewScheduleHandler(store storage.Store, s *scheduler.Scheduler, l *ledger.Ledger, log *logger.Logger) *ScheduleHandler {
	return &ScheduleHandler{store: store, scheduler: s, ledger: l, log: log}
}

// List 列出调度
func (h *ScheduleHandler) List(c *gin.Context) {
	items, err := h.store.ListSchedules(c.Request.Context())
	if err != nil {
		abort(c, h.log, "查询调度失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

// Get 返回调度及最近的执行
func (h *ScheduleHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	sc, err := h.store.GetSchedule(ctx, c.Param("id"))
	if err != nil {
		abort(c, h.log, "调度不存在", err)
		return
	}
	recent, err := h.ledger.ListBySchedule(ctx, sc.ID, 10)
	if err != nil {
		abort(c, h.log, "查询执行历史失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": sc, "executions": recent})
}

// Put 创建或更新调度，重复规则变化时重新计算下一次运行时间
func (h *ScheduleHandler) Put(c *gin.Context) {
	ctx := c.Request.Context()
	var sc models.Schedule
	if err := c.ShouldBindJSON(&sc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "detail": err.Error()})
		return
	}
	sc.ID = c.Param("id")
	sc.NextRunAt = time.Time{}
	sc.LastRunAt = nil
	sc.CreatedAt = time.Time{}

	existing, err := h.store.GetSchedule(ctx, sc.ID)
	switch {
	case err == nil:
		sc.CreatedAt = existing.CreatedAt
		sc.LastRunAt = existing.LastRunAt
		if existing.Recurrence == sc.Recurrence {
			sc.NextRunAt = existing.NextRunAt
		}
	case !errors.Is(err, storage.ErrNotFound):
		abort(c, h.log, "查询调度失败", err)
		return
	}

	if _, err := h.store.GetProvider(ctx, sc.ProviderID); err != nil {
		abort(c, h.log, "平台不存在", err)
		return
	}
	if err := h.scheduler.Prepare(&sc); err != nil {
		abort(c, h.log, "调度无效", err)
		return
	}
	if err := h.store.SaveSchedule(ctx, &sc); err != nil {
		abort(c, h.log, "保存调度失败", err)
		return
	}
	c.JSON(http.StatusOK, sc)
}
