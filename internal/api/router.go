package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/datafusion/fleetrpa/internal/auth"
	"github.com/datafusion/fleetrpa/internal/health"
	"github.com/datafusion/fleetrpa/internal/ledger"
	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/scheduler"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/vault"
	"github.com/datafusion/fleetrpa/internal/worker"
)

// Deps 路由依赖
type Deps struct {
	Store     storage.Store
	Ledger    *ledger.Ledger
	Worker    *worker.Worker
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Vault     *vault.Vault
	Merger    *normalizer.Merger
	Health    *health.HealthChecker
	// APIKeys 为空时 /api/v1 不做认证
	APIKeys *auth.KeySet
	Logger  *logger.Logger
}

// NewRouter 创建带日志与 CORS 中间件的 gin 引擎
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logger.GetLogger()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(d.Logger))
	r.Use(CORSMiddleware())
	RegisterRoutes(r, d)
	return r
}

// RegisterRoutes 注册所有API路由
func RegisterRoutes(r *gin.Engine, d Deps) {
	log := d.Logger.WithComponent("api")

	// 健康检查
	hc := d.Health
	if hc == nil {
		hc = health.NewHealthChecker(0).Register("documents", d.Store)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, hc.Live())
	})
	r.GET("/readyz", func(c *gin.Context) {
		status := hc.Ready(c.Request.Context())
		c.JSON(status.HTTPStatus(), status)
	})

	v1 := r.Group("/api/v1", auth.APIKeyMiddleware(d.APIKeys))
	{
		execHandler := NewExecutionHandler(d.Worker, d.Ledger, log)
		v1.POST("/runs", execHandler.Run)
		executions := v1.Group("/executions")
		{
			executions.GET("", execHandler.List)
			executions.GET("/:id", execHandler.Get)
			executions.POST("/:id/cancel", execHandler.Cancel)
		}

		scheduleHandler := NewScheduleHandler(d.Store, d.Scheduler, d.Ledger, log)
		schedules := v1.Group("/schedules")
		{
			schedules.GET("", scheduleHandler.List)
			schedules.GET("/:id", scheduleHandler.Get)
			schedules.PUT("/:id", scheduleHandler.Put)
		}

		catalog := NewCatalogHandler(d.Store, d.Vault, log)
		v1.GET("/providers", catalog.ListProviders)
		v1.GET("/providers/:id", catalog.GetProvider)
		v1.PUT("/providers/:id", catalog.PutProvider)
		v1.POST("/credentials", catalog.StoreCredential)
		v1.POST("/models", catalog.CreateModel)
		v1.GET("/models/:id", catalog.GetModel)

		takeover := NewTakeoverHandler(d.Sessions, d.Store, log)
		v1.POST("/takeover", takeover.Start)
		live := v1.Group("/takeover/:partner/:provider")
		{
			live.POST("/click", takeover.Click)
			live.POST("/type", takeover.Type)
			live.POST("/key", takeover.Key)
			live.POST("/code", takeover.Code)
			live.POST("/confirm", takeover.Confirm)
			live.GET("/screenshot", takeover.Screenshot)
			live.GET("/stream", takeover.Stream)
			live.DELETE("", takeover.Close)
		}
		v1.GET("/sessions", takeover.List)

		summaryHandler := NewSummaryHandler(d.Merger, log)
		v1.GET("/summaries/:partner/:year/:week", summaryHandler.Weekly)
	}
}

// LoggerMiddleware 请求日志
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	log = log.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("请求处理失败", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("请求被拒绝", fields...)
		default:
			log.Debug("请求完成", fields...)
		}
	}
}

// CORSMiddleware 跨域
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-API-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// statusOf 错误对应的 HTTP 状态码
func statusOf(err error) int {
	switch {
	case rpaerr.IsConfiguration(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, ledger.ErrTerminal),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusConflict
	case rpaerr.IsSessionLost(err):
		return http.StatusGone
	case errors.Is(err, worker.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abort 写入错误响应，5xx 记录日志且不回显内部错误
func abort(c *gin.Context, log *logger.Logger, msg string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": msg, "detail": err.Error()})
}
