package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
)

type SummaryHandler struct {
	merger *normalizer.Merger
	log    *logger.Logger
}

func NewSummaryHandler(m *normalizer.Merger, log *logger.Logger) *SummaryHandler {
	return &SummaryHandler{merger: m, log: log}
}

// Weekly 合作方某 ISO 周的汇总，?driver= 只返回该司机
func (h *SummaryHandler) Weekly(c *gin.Context) {
	year, errY := strconv.Atoi(c.Param("year"))
	week, errW := strconv.Atoi(c.Param("week"))
	if errY != nil || errW != nil || week < 1 || week > 53 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "周参数错误"})
		return
	}
	key := models.WeekKey{Year: year, Week: week}

	var (
		summary *models.WeeklySummary
		err     error
	)
	if driver := c.Query("driver"); driver != "" {
		summary, err = h.merger.DriverSummary(c.Request.Context(), c.Param("partner"), driver, key)
	} else {
		summary, err = h.merger.Summary(c.Request.Context(), c.Param("partner"), key)
	}
	if err != nil {
		abort(c, h.log, "查询周汇总失败", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}
