package models

import (
	"fmt"
	"time"
)

// ExtractionKind 原始提取类型
type ExtractionKind string

const (
	ExtractText  ExtractionKind = "text"
	ExtractTable ExtractionKind = "table"
	ExtractFile  ExtractionKind = "file"
)

// Extraction 执行器产生的原始提取结果
type Extraction struct {
	Kind     ExtractionKind `json:"kind"`
	Name     string         `json:"name,omitempty"`
	StepPath string         `json:"step_path"`

	Text string `json:"text,omitempty"`

	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`

	FileName    string `json:"file_name,omitempty"`
	FileType    string `json:"file_type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// WeekKey ISO 周
type WeekKey struct {
	Year int `json:"year" bson:"year"`
	Week int `json:"week" bson:"week"`
}

// WeekOf 返回日期所在的 ISO 周
func WeekOf(t time.Time) WeekKey {
	y, w := t.ISOWeek()
	return WeekKey{Year: y, Week: w}
}

func (k WeekKey) String() string {
	return fmt.Sprintf("%04d-W%02d", k.Year, k.Week)
}

// ParseWeekKey 解析 "2024-W10" 形式的 ISO 周
func ParseWeekKey(s string) (WeekKey, error) {
	var k WeekKey
	if _, err := fmt.Sscanf(s, "%d-W%d", &k.Year, &k.Week); err != nil {
		return WeekKey{}, fmt.Errorf("无效的 ISO 周 %q，格式为 2024-W10", s)
	}
	if k.Week < 1 || k.Week > 53 || k.Year < 1 {
		return WeekKey{}, fmt.Errorf("无效的 ISO 周 %q", s)
	}
	return k, nil
}

// Monday 返回该周周一零点
func (k WeekKey) Monday(loc *time.Location) time.Time {
	// 1 月 4 日总在第 1 周
	jan4 := time.Date(k.Year, time.January, 4, 0, 0, 0, 0, loc)
	offset := int(jan4.Weekday()+6) % 7
	return jan4.AddDate(0, 0, -offset+(k.Week-1)*7)
}

// ExtractedRecord 标准化后的收入/支出记录
type ExtractedRecord struct {
	ExecutionID string           `json:"execution_id"`
	PartnerID   string           `json:"partner_id"`
	ProviderID  string           `json:"provider_id"`
	Category    ProviderCategory `json:"category"`
	DriverID    string           `json:"driver_id"`
	AmountCents int64            `json:"amount_cents"`
	Currency    string           `json:"currency"`
	Date        time.Time        `json:"date"`
	Week        WeekKey          `json:"week"`
	Source      string           `json:"source,omitempty"`
}
