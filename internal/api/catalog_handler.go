package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
	"github.com/datafusion/fleetrpa/internal/step"
	"github.com/datafusion/fleetrpa/internal/storage"
	"github.com/datafusion/fleetrpa/internal/vault"
)

// CatalogHandler 平台、凭据与步骤模型
type CatalogHandler struct {
	store storage.Store
	vault *vault.Vault
	log   *logger.Logger
}

func NewCatalogHandler(store storage.Store, v *vault.Vault, log *logger.Logger) *CatalogHandler {
	return &CatalogHandler{store: store, vault: v, log: log}
}

func (h *CatalogHandler) ListProviders(c *gin.Context) {
	items, err := h.store.ListProviders(c.Request.Context())
	if err != nil {
		abort(c, h.log, "查询平台失败", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (h *CatalogHandler) GetProvider(c *gin.Context) {
	p, err := h.store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, h.log, "平台不存在", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PutProvider 创建或替换平台配置
func (h *CatalogHandler) PutProvider(c *gin.Context) {
	var p models.Provider
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误", "detail": err.Error()})
		return
	}
	p.ID = c.Param("id")
	if err := normalizer.ValidateMapping(&p); err != nil {
		abort(c, h.log, "平台配置无效", err)
		return
	}
	if p.Category == "" {
		p.Category = models.CategoryOther
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if err := h.store.SaveProvider(c.Request.Context(), &p); err != nil {
		abort(c, h.log, "保存平台失败", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type credentialRequest struct {
	PartnerID  string            `json:"partner_id" binding:"required"`
	ProviderID string            `json:"provider_id" binding:"required"`
	Secrets    map[string]string `json:"secrets" binding:"required"`
	Extra      map[string]string `json:"extra"`
}

// StoreCredential 加密保存凭据并使其成为该合作方在该平台的唯一有效凭据，响应中不包含秘密字段
func (h *CatalogHandler) StoreCredential(c *gin.Context) {
	ctx := c.Request.Context()
	var req credentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误"})
		return
	}

	p, err := h.store.GetProvider(ctx, req.ProviderID)
	if err != nil {
		abort(c, h.log, "平台不存在", err)
		return
	}
	for _, field := range p.CredentialFields {
		if req.Secrets[field] == "" {
			abort(c, h.log, "凭据不完整", rpaerr.Configuration("缺少字段 %q", field))
			return
		}
	}

	id, err := h.vault.Store(ctx, req.PartnerID, req.ProviderID, vault.SecretFields(req.Secrets), req.Extra)
	if err != nil {
		abort(c, h.log, "保存凭据失败", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          id,
		"partner_id":  req.PartnerID,
		"provider_id": req.ProviderID,
		"fields":      vault.SecretFields(req.Secrets).Names(),
	})
}

// CreateModel 保存新版本步骤模型，未指定版本时取最新版本加一
func (h *CatalogHandler) CreateModel(c *gin.Context) {
	ctx := c.Request.Context()
	var m step.Model
	if err := c.ShouldBindJSON(&m); err != nil {
		abort(c, h.log, "步骤模型格式错误", rpaerr.WrapConfiguration(err, "解析步骤模型失败"))
		return
	}
	if _, err := h.store.GetProvider(ctx, m.ProviderID); err != nil {
		abort(c, h.log, "平台不存在", err)
		return
	}

	if m.Version == 0 {
		latest, err := h.store.GetModel(ctx, m.ID, 0)
		switch {
		case err == nil:
			m.Version = latest.Version + 1
		case errors.Is(err, storage.ErrNotFound):
			m.Version = 1
		default:
			abort(c, h.log, "查询步骤模型失败", err)
			return
		}
	}
	if err := m.Validate(); err != nil {
		abort(c, h.log, "步骤模型无效", err)
		return
	}
	m.CreatedAt = time.Now()
	if err := h.store.SaveModel(ctx, &m); err != nil {
		abort(c, h.log, "保存步骤模型失败", err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// GetModel ?version= 缺省时返回最新版本
func (h *CatalogHandler) GetModel(c *gin.Context) {
	version, _ := strconv.Atoi(c.DefaultQuery("version", "0"))
	m, err := h.store.GetModel(c.Request.Context(), c.Param("id"), version)
	if err != nil {
		abort(c, h.log, "步骤模型不存在", err)
		return
	}
	c.JSON(http.StatusOK, m)
}
