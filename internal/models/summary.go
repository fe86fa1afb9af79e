package models

import "time"

// Contribution 某次执行对某司机某类别某周的贡献，按 (执行, 司机, 类别, 周) 唯一
type Contribution struct {
	ExecutionID string           `json:"execution_id" bson:"execution_id"`
	PartnerID   string           `json:"partner_id" bson:"partner_id"`
	DriverID    string           `json:"driver_id" bson:"driver_id"`
	Category    ProviderCategory `json:"category" bson:"category"`
	Week        WeekKey          `json:"week" bson:"week"`
	Currency    string           `json:"currency" bson:"currency"`
	AmountCents int64            `json:"amount_cents" bson:"amount_cents"`
	Records     int              `json:"records" bson:"records"`
	UpdatedAt   time.Time        `json:"updated_at" bson:"updated_at"`
}

// SummaryLine 周汇总中的一行
type SummaryLine struct {
	DriverID    string           `json:"driver_id"`
	Category    ProviderCategory `json:"category"`
	Currency    string           `json:"currency"`
	AmountCents int64            `json:"amount_cents"`
	Records     int              `json:"records"`
	Executions  int              `json:"executions"`
}

// WeeklySummary 合作方某 ISO 周的按司机汇总
type WeeklySummary struct {
	PartnerID string        `json:"partner_id"`
	Week      WeekKey       `json:"week"`
	Lines     []SummaryLine `json:"lines"`
}

// Total 指定司机与类别的合计（分）
func (s *WeeklySummary) Total(driverID string, category ProviderCategory) int64 {
	var total int64
	for _, l := range s.Lines {
		if l.DriverID == driverID && l.Category == category {
			total += l.AmountCents
		}
	}
	return total
}
