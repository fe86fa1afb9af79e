package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/session"
	"github.com/datafusion/fleetrpa/internal/storage"
)

// TakeoverHandler 人工接管：操作员通过截图轮询与输入转发完成登录或二次验证
type TakeoverHandler struct {
	sessions *session.Manager
	store    storage.ProviderRepo
	log      *logger.Logger
}

func NewTakeoverHandler(m *session.Manager, store storage.ProviderRepo, log *logger.Logger) *TakeoverHandler {
	return &TakeoverHandler{sessions: m, store: store, log: log}
}

type takeoverRequest struct {
	PartnerID  string `json:"partner_id" binding:"required"`
	ProviderID string `json:"provider_id" binding:"required"`
}

type clickRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type textRequest struct {
	Text string `json:"text" binding:"required"`
}

type keyRequest struct {
	Key string `json:"key" binding:"required"`
}

type codeRequest struct {
	Code string `json:"code" binding:"required"`
}

func sessionKey(c *gin.Context) session.Key {
	return session.Key{PartnerID: c.Param("partner"), ProviderID: c.Param("provider")}
}

// Start 打开（或复用）会话并导航到平台登录页
func (h *TakeoverHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()
	var req takeoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "detail": err.Error()})
		return
	}
	p, err := h.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		abort(c, h.log, "平台不存在", err)
		return
	}
	key := session.Key{PartnerID: req.PartnerID, ProviderID: req.ProviderID}
	s, err := h.sessions.StartInteractive(ctx, key, p.AuthCheck, p.LoginURL)
	if err != nil {
		abort(c, h.log, "开始人工接管失败", err)
		return
	}
	c.JSON(http.StatusCreated, s.Info())
}

func (h *TakeoverHandler) Click(c *gin.Context) {
	var req clickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误"})
		return
	}
	h.relay(c, h.sessions.RelayClick(c.Request.Context(), sessionKey(c), req.X, req.Y))
}

// Type 输入内容可能是密码，不写入日志
func (h *TakeoverHandler) Type(c *gin.Context) {
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误"})
		return
	}
	h.relay(c, h.sessions.RelayType(c.Request.Context(), sessionKey(c), req.Text))
}

func (h *TakeoverHandler) Key(c *gin.Context) {
	var req keyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误"})
		return
	}
	h.relay(c, h.sessions.RelayKey(c.Request.Context(), sessionKey(c), req.Key))
}

// Code 提交二次验证码给正在等待的执行
func (h *TakeoverHandler) Code(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误"})
		return
	}
	h.relay(c, h.sessions.SubmitCode(sessionKey(c), req.Code))
}

// Confirm 操作员确认已登录，检查通过后保存会话状态
func (h *TakeoverHandler) Confirm(c *gin.Context) {
	h.relay(c, h.sessions.ConfirmAuthenticated(c.Request.Context(), sessionKey(c)))
}

func (h *TakeoverHandler) Screenshot(c *gin.Context) {
	png, err := h.sessions.PollScreenshot(c.Request.Context(), sessionKey(c))
	if err != nil {
		abort(c, h.log, "截图失败", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// Close 放弃接管并关闭会话
func (h *TakeoverHandler) Close(c *gin.Context) {
	h.relay(c, h.sessions.Close(sessionKey(c)))
}

func (h *TakeoverHandler) List(c *gin.Context) {
	items := h.sessions.Sessions()
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (h *TakeoverHandler) relay(c *gin.Context, err error) {
	if err != nil {
		abort(c, h.log, "会话操作失败", err)
		return
	}
	if s, ok := h.sessions.Get(sessionKey(c)); ok {
		c.JSON(http.StatusOK, s.Info())
		return
	}
	c.Status(http.StatusNoContent)
}
