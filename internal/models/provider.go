package models

import (
	"time"

	"github.com/datafusion/fleetrpa/internal/step"
)

// ProviderCategory 平台类别
type ProviderCategory string

const (
	CategoryRideHailing ProviderCategory = "ride_hailing"
	CategoryToll        ProviderCategory = "toll"
	CategoryFuel        ProviderCategory = "fuel"
	CategoryOther       ProviderCategory = "other"
)

// TwoFactorKind 二次验证方式
type TwoFactorKind string

const (
	TwoFactorNone  TwoFactorKind = ""
	TwoFactorEmail TwoFactorKind = "email"
	TwoFactorSMS   TwoFactorKind = "sms"
	TwoFactorApp   TwoFactorKind = "app"
)

// AuthCheck 判断会话是否已登录的启发式规则，两项都设置时需同时满足
type AuthCheck struct {
	URLContains string        `json:"url_contains,omitempty" bson:"url_contains,omitempty"`
	Marker      *step.Locator `json:"marker,omitempty" bson:"marker,omitempty"`
}

// IsZero 是否未配置
func (a AuthCheck) IsZero() bool {
	return a.URLContains == "" && a.Marker == nil
}

// CleaningRule 清洗规则
type CleaningRule struct {
	Name        string `json:"name" bson:"name"`
	Field       string `json:"field" bson:"field"`
	Type        string `json:"type" bson:"type"` // trim, remove_html, normalize_whitespace, regex
	Pattern     string `json:"pattern,omitempty" bson:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty" bson:"replacement,omitempty"`
}

// ColumnMapping 平台原始列到标准记录的映射
type ColumnMapping struct {
	Driver   []string `json:"driver" bson:"driver"`
	Amount   []string `json:"amount" bson:"amount"`
	Currency []string `json:"currency,omitempty" bson:"currency,omitempty"`
	Date     []string `json:"date,omitempty" bson:"date,omitempty"`
	Category []string `json:"category,omitempty" bson:"category,omitempty"`

	DefaultCurrency string   `json:"default_currency,omitempty" bson:"default_currency,omitempty"`
	DateLayouts     []string `json:"date_layouts,omitempty" bson:"date_layouts,omitempty"`
	// DecimalStyle "comma" 表示 1.234,56，"dot" 表示 1,234.56，为空时自动识别
	DecimalStyle string `json:"decimal_style,omitempty" bson:"decimal_style,omitempty"`
	// RowsPath JSON 下载文件中记录数组的 gjson 路径
	RowsPath      string         `json:"rows_path,omitempty" bson:"rows_path,omitempty"`
	CleaningRules []CleaningRule `json:"cleaning_rules,omitempty" bson:"cleaning_rules,omitempty"`
}

// Provider 数据来源平台（网约车、通行费、燃油）
type Provider struct {
	ID               string           `json:"id" bson:"_id"`
	Name             string           `json:"name" bson:"name"`
	Category         ProviderCategory `json:"category" bson:"category"`
	LoginURL         string           `json:"login_url" bson:"login_url"`
	CredentialFields []string         `json:"credential_fields" bson:"credential_fields"`
	TwoFactor        TwoFactorKind    `json:"two_factor,omitempty" bson:"two_factor,omitempty"`
	AuthCheck        AuthCheck        `json:"auth_check" bson:"auth_check"`
	Mapping          ColumnMapping    `json:"mapping" bson:"mapping"`
	// ExpectsRecords 平台通常会产生数据，零记录视为失败
	ExpectsRecords bool      `json:"expects_records" bson:"expects_records"`
	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
}

// RequiresTwoFactor 是否需要二次验证
func (p *Provider) RequiresTwoFactor() bool {
	return p.TwoFactor != TwoFactorNone
}
