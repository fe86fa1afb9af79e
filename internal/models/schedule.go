package models

import "time"

// Frequency 调度频率
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Recurrence 重复规则，时间均按调度器统一时区解释
type Recurrence struct {
	Frequency  Frequency    `json:"frequency" bson:"frequency"`
	Weekday    time.Weekday `json:"weekday,omitempty" bson:"weekday,omitempty"`
	DayOfMonth int          `json:"day_of_month,omitempty" bson:"day_of_month,omitempty"`
	Hour       int          `json:"hour" bson:"hour"`
	Minute     int          `json:"minute" bson:"minute"`
}

// Schedule 自动化调度
type Schedule struct {
	ID         string `json:"id" bson:"_id"`
	PartnerID  string `json:"partner_id" bson:"partner_id"`
	ProviderID string `json:"provider_id" bson:"provider_id"`
	ModelID    string `json:"model_id" bson:"model_id"`
	// ModelVersion 为 0 时使用最新版本
	ModelVersion int               `json:"model_version,omitempty" bson:"model_version,omitempty"`
	Active       bool              `json:"active" bson:"active"`
	Recurrence   Recurrence        `json:"recurrence" bson:"recurrence"`
	Bindings     map[string]string `json:"bindings,omitempty" bson:"bindings,omitempty"`
	LastRunAt    *time.Time        `json:"last_run_at,omitempty" bson:"last_run_at,omitempty"`
	NextRunAt    time.Time         `json:"next_run_at" bson:"next_run_at"`
	CreatedAt    time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at" bson:"updated_at"`
}

// Due 是否到期
func (s *Schedule) Due(now time.Time) bool {
	return s.Active && !s.NextRunAt.After(now)
}
