// Package normalizer 将原始提取结果映射为标准记录并按周合并
package normalizer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/datafusion/fleetrpa/internal/htmltable"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
)

const maxReasons = 20

// Meta 记录的归属信息
type Meta struct {
	ExecutionID string
	PartnerID   string
	// FallbackDate 行中没有日期列时使用（通常为统计周期的第一天）
	FallbackDate time.Time
}

// Normalizer 标准化器，无状态
type Normalizer struct {
	loc *time.Location
}

// New 创建标准化器，日期按 loc 解析
func New(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc}
}

// rawRow 带来源的原始行
type rawRow struct {
	source string
	line   int
	values map[string]string
}

// Normalize 将提取结果映射为标准记录。有被拒绝的行时返回 NormalizationError，
// 被接受的记录仍然返回
func (n *Normalizer) Normalize(p *models.Provider, meta Meta, payload []models.Extraction) ([]models.ExtractedRecord, *rpaerr.NormalizationError) {
	nerr := &rpaerr.NormalizationError{}
	reject := func(reason string) {
		nerr.Rejected++
		if len(nerr.Reasons) < maxReasons {
			nerr.Reasons = append(nerr.Reasons, reason)
		}
	}

	cleaner, err := NewCleaner(p.Mapping.CleaningRules)
	if err != nil {
		reject(err.Error())
		return nil, nerr
	}

	var rows []rawRow
	for _, ex := range payload {
		extracted, err := rowsOf(ex, p.Mapping)
		if err != nil {
			reject(fmt.Sprintf("%s: %v", ex.StepPath, err))
			continue
		}
		rows = append(rows, extracted...)
	}

	var records []models.ExtractedRecord
	for _, row := range rows {
		cleaner.Clean(row.values)
		rec, err := n.record(p, meta, row)
		if err != nil {
			reject(fmt.Sprintf("%s 第 %d 行: %v", row.source, row.line, err))
			continue
		}
		records = append(records, rec)
	}

	nerr.Accepted = len(records)
	if nerr.Rejected == 0 {
		return records, nil
	}
	return records, nerr
}

func (n *Normalizer) record(p *models.Provider, meta Meta, row rawRow) (models.ExtractedRecord, error) {
	m := p.Mapping
	driver, ok := lookup(row.values, m.Driver)
	if !ok || strings.TrimSpace(row.values[driver]) == "" {
		return models.ExtractedRecord{}, fmt.Errorf("缺少司机标识")
	}
	amountKey, ok := lookup(row.values, m.Amount)
	if !ok {
		return models.ExtractedRecord{}, fmt.Errorf("缺少金额")
	}
	cents, currency, err := parseAmount(row.values[amountKey], m.DecimalStyle)
	if err != nil {
		return models.ExtractedRecord{}, err
	}

	if key, ok := lookup(row.values, m.Currency); ok && strings.TrimSpace(row.values[key]) != "" {
		currency = strings.ToUpper(strings.TrimSpace(row.values[key]))
	}
	if currency == "" {
		currency = m.DefaultCurrency
	}
	if currency == "" {
		currency = "EUR"
	}

	date := meta.FallbackDate
	if key, ok := lookup(row.values, m.Date); ok {
		if date, err = parseDate(row.values[key], m.DateLayouts, n.loc); err != nil {
			return models.ExtractedRecord{}, err
		}
	}
	if date.IsZero() {
		return models.ExtractedRecord{}, fmt.Errorf("缺少日期")
	}

	category := p.Category
	if key, ok := lookup(row.values, m.Category); ok {
		if c, known := parseCategory(row.values[key]); known {
			category = c
		}
	}

	return models.ExtractedRecord{
		ExecutionID: meta.ExecutionID,
		PartnerID:   meta.PartnerID,
		ProviderID:  p.ID,
		Category:    category,
		DriverID:    strings.TrimSpace(row.values[driver]),
		AmountCents: cents,
		Currency:    currency,
		Date:        date,
		Week:        models.WeekOf(date),
		Source:      row.source,
	}, nil
}

func parseCategory(s string) (models.ProviderCategory, bool) {
	switch c := models.ProviderCategory(strings.ToLower(strings.TrimSpace(s))); c {
	case models.CategoryRideHailing, models.CategoryToll, models.CategoryFuel, models.CategoryOther:
		return c, true
	}
	return "", false
}

// lookup 按别名查找列名，忽略大小写与首尾空白
func lookup(row map[string]string, aliases []string) (string, bool) {
	for _, alias := range aliases {
		want := strings.ToLower(strings.TrimSpace(alias))
		if want == "" {
			continue
		}
		if _, ok := row[alias]; ok {
			return alias, true
		}
		for k := range row {
			if strings.ToLower(strings.TrimSpace(k)) == want {
				return k, true
			}
		}
	}
	return "", false
}

// rowsOf 把一个提取结果展开为原始行，文本提取不产生行
func rowsOf(ex models.Extraction, m models.ColumnMapping) ([]rawRow, error) {
	switch ex.Kind {
	case models.ExtractText:
		return nil, nil
	case models.ExtractTable:
		return tableRows(ex.StepPath, ex.Columns, ex.Rows), nil
	case models.ExtractFile:
		source := ex.StepPath + ":" + ex.FileName
		switch strings.ToLower(ex.FileType) {
		case "csv", "txt":
			return csvRows(source, ex.Data)
		case "json":
			return jsonRows(source, ex.Data, m.RowsPath)
		case "html", "htm":
			columns, rows, err := htmltable.Parse(string(ex.Data))
			if err != nil {
				return nil, err
			}
			return tableRows(source, columns, rows), nil
		}
		return nil, fmt.Errorf("不支持的文件类型 %q", ex.FileType)
	}
	return nil, fmt.Errorf("未知的提取类型 %q", ex.Kind)
}

func tableRows(source string, columns []string, rows [][]string) []rawRow {
	out := make([]rawRow, 0, len(rows))
	for i, r := range rows {
		values := make(map[string]string, len(columns))
		for j, col := range columns {
			if j < len(r) {
				values[col] = r[j]
			}
		}
		out = append(out, rawRow{source: source, line: i + 1, values: values})
	}
	return out
}

// csvRows 解析 CSV，分隔符在 ';' 与 ',' 之间按表头自动识别
func csvRows(source string, data []byte) ([]rawRow, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	header := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		header = data[:i]
	}
	r := csv.NewReader(bytes.NewReader(data))
	if bytes.Count(header, []byte(";")) > bytes.Count(header, []byte(",")) {
		r.Comma = ';'
	}
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	columns, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("读取 CSV 表头失败: %w", err)
	}
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取 CSV 失败: %w", err)
		}
		rows = append(rows, rec)
	}
	return tableRows(source, columns, rows), nil
}

// jsonRows 使用 gjson 路径取出记录数组，每个对象的标量字段作为列
func jsonRows(source string, data []byte, rowsPath string) ([]rawRow, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("JSON 格式无效")
	}
	if rowsPath == "" {
		rowsPath = "@this"
	}
	result := gjson.GetBytes(data, rowsPath)
	if !result.Exists() {
		return nil, fmt.Errorf("数据路径 %s 不存在", rowsPath)
	}

	items := []gjson.Result{result}
	if result.IsArray() {
		items = result.Array()
	}
	out := make([]rawRow, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("第 %d 项不是对象", i+1)
		}
		values := map[string]string{}
		item.ForEach(func(key, value gjson.Result) bool {
			if !value.IsObject() && !value.IsArray() {
				values[key.String()] = value.String()
			}
			return true
		})
		out = append(out, rawRow{source: source, line: i + 1, values: values})
	}
	return out, nil
}

// ValidateMapping 保存平台前校验列映射与清洗规则
func ValidateMapping(p *models.Provider) error {
	if p.ID == "" {
		return rpaerr.Configuration("平台缺少 id")
	}
	m := p.Mapping
	if len(m.Driver) == 0 || len(m.Amount) == 0 {
		return rpaerr.Configuration("平台 %s 的映射必须包含司机列与金额列", p.ID)
	}
	if _, err := NewCleaner(m.CleaningRules); err != nil {
		return rpaerr.WrapConfiguration(err, "平台 %s 的清洗规则无效", p.ID)
	}
	return nil
}
