package models

import "time"

// Cookie 浏览器 Cookie 快照
type Cookie struct {
	Name     string  `json:"name" bson:"name"`
	Value    string  `json:"value" bson:"value"`
	Domain   string  `json:"domain" bson:"domain"`
	Path     string  `json:"path" bson:"path"`
	Expires  float64 `json:"expires,omitempty" bson:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only,omitempty" bson:"http_only,omitempty"`
	Secure   bool    `json:"secure,omitempty" bson:"secure,omitempty"`
	SameSite string  `json:"same_site,omitempty" bson:"same_site,omitempty"`
}

// StorageState 可持久化的会话状态（Cookie 与各源的 localStorage）
type StorageState struct {
	Cookies []Cookie                     `json:"cookies" bson:"cookies"`
	Origins map[string]map[string]string `json:"origins,omitempty" bson:"origins,omitempty"`
}

// IsEmpty 是否为空状态
func (s StorageState) IsEmpty() bool {
	return len(s.Cookies) == 0 && len(s.Origins) == 0
}

// SessionRecord 已登录会话的持久化记录，按 (合作方, 平台) 唯一
type SessionRecord struct {
	PartnerID       string       `json:"partner_id" bson:"partner_id"`
	ProviderID      string       `json:"provider_id" bson:"provider_id"`
	State           StorageState `json:"state" bson:"state"`
	AuthenticatedAt time.Time    `json:"authenticated_at" bson:"authenticated_at"`
}
