package normalizer

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage/memory"
)

func uberProvider() *models.Provider {
	return &models.Provider{
		ID:       "uber",
		Category: models.CategoryRideHailing,
		Mapping: models.ColumnMapping{
			Driver:          []string{"motorista", "driver"},
			Amount:          []string{"valor", "amount"},
			Date:            []string{"data"},
			DefaultCurrency: "EUR",
		},
	}
}

var week10 = models.WeekKey{Year: 2024, Week: 10}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw      string
		style    string
		cents    int64
		currency string
	}{
		{"12,50", "", 1250, ""},
		{"1.234,56", "", 123456, ""},
		{"1,234.56", "", 123456, ""},
		{"1.234", "", 123400, ""},
		{"€ 7,5", "", 750, "EUR"},
		{"R$ 10,00", "", 1000, "BRL"},
		{"(3,20)", "", -320, ""},
		{"3,20-", "", -320, ""},
		{"-0.125", "dot", -13, ""},
		{"1.234", "comma", 123400, ""},
		{"100 EUR", "", 10000, "EUR"},
	}
	for _, c := range cases {
		cents, currency, err := parseAmount(c.raw, c.style)
		require.NoError(t, err, c.raw)
		assert.Equal(t, c.cents, cents, c.raw)
		assert.Equal(t, c.currency, currency, c.raw)
	}

	for _, bad := range []string{"", "abc", "12,3,4.5.6x", "-"} {
		_, _, err := parseAmount(bad, "")
		assert.Error(t, err, bad)
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("04/03/2024", nil, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2024-03-05", []string{"2006-01-02"}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Day())

	_, err = parseDate("ontem", nil, time.UTC)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	n := New(time.UTC)
	meta := Meta{ExecutionID: "e1", PartnerID: "p1"}

	t.Run("部分行无效时其余行仍被接受", func(t *testing.T) {
		payload := []models.Extraction{{
			Kind:     models.ExtractTable,
			StepPath: "4",
			Columns:  []string{"Motorista", "Valor", "Data"},
			Rows: [][]string{
				{"D-1", "10,00", "04/03/2024"},
				{"D-1", "5,50", "05/03/2024"},
				{"D-2", "20,00", "04/03/2024"},
				{"", "9,99", "04/03/2024"},
				{"D-3", "abc", "04/03/2024"},
				{"D-2", "1.000,00", "06/03/2024"},
				{"D-3", "7,25", "07/03/2024"},
				{"D-4", "0,75", "10/03/2024"},
			},
		}}

		records, nerr := n.Normalize(uberProvider(), meta, payload)
		require.NotNil(t, nerr)
		assert.Equal(t, 6, nerr.Accepted)
		assert.Equal(t, 2, nerr.Rejected)
		assert.Len(t, nerr.Reasons, 2)
		assert.Contains(t, nerr.Reasons[0], "第 4 行")
		assert.Contains(t, nerr.Reasons[1], "第 5 行")
		require.Len(t, records, 6)

		for _, r := range records {
			assert.Equal(t, week10, r.Week)
			assert.Equal(t, "EUR", r.Currency)
			assert.Equal(t, models.CategoryRideHailing, r.Category)
			assert.Equal(t, "e1", r.ExecutionID)
		}
	})

	t.Run("缺少司机列时全部拒绝", func(t *testing.T) {
		payload := []models.Extraction{{
			Kind:    models.ExtractTable,
			Columns: []string{"Nome", "Valor"},
			Rows:    [][]string{{"a", "1"}, {"b", "2"}},
		}}
		records, nerr := n.Normalize(uberProvider(), meta, payload)
		require.NotNil(t, nerr)
		assert.Empty(t, records)
		assert.Equal(t, 2, nerr.Rejected)
	})

	t.Run("没有日期列时使用周期起始日", func(t *testing.T) {
		p := uberProvider()
		p.Mapping.Date = nil
		m := meta
		m.FallbackDate = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
		records, nerr := n.Normalize(p, m, []models.Extraction{{
			Kind:    models.ExtractTable,
			Columns: []string{"driver", "amount"},
			Rows:    [][]string{{"D-1", "3.50"}},
		}})
		assert.Nil(t, nerr)
		require.Len(t, records, 1)
		assert.Equal(t, week10, records[0].Week)
		assert.Equal(t, int64(350), records[0].AmountCents)
	})

	t.Run("CSV 分号分隔与清洗规则", func(t *testing.T) {
		p := uberProvider()
		p.Mapping.Category = []string{"tipo"}
		p.Mapping.CleaningRules = []models.CleaningRule{
			{Name: "id", Field: "motorista", Type: "regex", Pattern: `^ID:\s*`, Replacement: ""},
			{Name: "all", Field: "*", Type: "trim"},
		}
		csv := "\xef\xbb\xbfMotorista;Valor;Data;Tipo\nID: D-1 ; 12,40 ;04/03/2024;toll\nID:D-2;1,00;05/03/2024;desconhecido\n"
		records, nerr := n.Normalize(p, meta, []models.Extraction{{
			Kind:     models.ExtractFile,
			StepPath: "6",
			FileName: "ganhos.csv",
			FileType: "csv",
			Data:     []byte(csv),
		}})
		assert.Nil(t, nerr)
		require.Len(t, records, 2)
		assert.Equal(t, "D-1", records[0].DriverID)
		assert.Equal(t, int64(1240), records[0].AmountCents)
		assert.Equal(t, models.CategoryToll, records[0].Category)
		assert.Equal(t, models.CategoryRideHailing, records[1].Category, "未知类别使用平台类别")
		assert.Equal(t, "6:ganhos.csv", records[0].Source)
	})

	t.Run("JSON 按路径取记录", func(t *testing.T) {
		p := uberProvider()
		p.Mapping.RowsPath = "data.trips"
		p.Mapping.Currency = []string{"moeda"}
		body := `{"data":{"trips":[{"driver":"D-9","amount":4.5,"data":"2024-03-04","moeda":"brl"}]}}`
		records, nerr := n.Normalize(p, meta, []models.Extraction{{
			Kind:     models.ExtractFile,
			FileType: "json",
			Data:     []byte(body),
		}})
		assert.Nil(t, nerr)
		require.Len(t, records, 1)
		assert.Equal(t, int64(450), records[0].AmountCents)
		assert.Equal(t, "BRL", records[0].Currency)
	})

	t.Run("文本提取被忽略", func(t *testing.T) {
		records, nerr := n.Normalize(uberProvider(), meta, []models.Extraction{{Kind: models.ExtractText, Text: "Olá"}})
		assert.Nil(t, nerr)
		assert.Empty(t, records)
	})

	t.Run("无效清洗规则", func(t *testing.T) {
		p := uberProvider()
		p.Mapping.CleaningRules = []models.CleaningRule{{Name: "x", Type: "regex", Pattern: "("}}
		_, nerr := n.Normalize(p, meta, nil)
		require.NotNil(t, nerr)
		assert.Equal(t, 1, nerr.Rejected)
	})
}

func record(exec, driver string, cents int64, day int) models.ExtractedRecord {
	d := time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC)
	return models.ExtractedRecord{
		ExecutionID: exec,
		PartnerID:   "p1",
		DriverID:    driver,
		Category:    models.CategoryRideHailing,
		AmountCents: cents,
		Currency:    "EUR",
		Date:        d,
		Week:        models.WeekOf(d),
	}
}

func TestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("同一执行重复合并结果不变", func(t *testing.T) {
		m := NewMerger(memory.New())
		records := []models.ExtractedRecord{
			record("e1", "D-1", 1000, 4),
			record("e1", "D-1", 550, 5),
			record("e1", "D-2", 2000, 6),
		}
		weeks, err := m.Merge(ctx, "e1", "p1", records)
		require.NoError(t, err)
		assert.Equal(t, []models.WeekKey{week10}, weeks)

		first, err := m.Summary(ctx, "p1", week10)
		require.NoError(t, err)

		_, err = m.Merge(ctx, "e1", "p1", records)
		require.NoError(t, err)
		second, err := m.Summary(ctx, "p1", week10)
		require.NoError(t, err)

		if diff := cmp.Diff(first, second); diff != "" {
			t.Errorf("重复合并改变了汇总 (-first +second):\n%s", diff)
		}
		assert.Equal(t, int64(1550), second.Total("D-1", models.CategoryRideHailing))
		assert.Equal(t, int64(2000), second.Total("D-2", models.CategoryRideHailing))
	})

	t.Run("不同执行的贡献累加", func(t *testing.T) {
		m := NewMerger(memory.New())
		_, err := m.Merge(ctx, "e1", "p1", []models.ExtractedRecord{record("e1", "D-1", 1000, 4)})
		require.NoError(t, err)
		_, err = m.Merge(ctx, "e2", "p1", []models.ExtractedRecord{record("e2", "D-1", 300, 7)})
		require.NoError(t, err)

		s, err := m.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		want := []models.SummaryLine{{
			DriverID:    "D-1",
			Category:    models.CategoryRideHailing,
			Currency:    "EUR",
			AmountCents: 1300,
			Records:     2,
			Executions:  2,
		}}
		if diff := cmp.Diff(want, s.Lines); diff != "" {
			t.Errorf("汇总行不符 (-want +got):\n%s", diff)
		}
	})

	t.Run("重新合并会替换旧贡献", func(t *testing.T) {
		m := NewMerger(memory.New())
		_, err := m.Merge(ctx, "e1", "p1", []models.ExtractedRecord{record("e1", "D-1", 1000, 4)})
		require.NoError(t, err)
		_, err = m.Merge(ctx, "e1", "p1", []models.ExtractedRecord{record("e1", "D-1", 400, 4)})
		require.NoError(t, err)

		s, err := m.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		assert.Equal(t, int64(400), s.Total("D-1", models.CategoryRideHailing))
	})

	t.Run("八行中六行有效时汇总恰好六条记录", func(t *testing.T) {
		n := New(time.UTC)
		payload := []models.Extraction{{
			Kind:    models.ExtractTable,
			Columns: []string{"driver", "amount", "data"},
			Rows: [][]string{
				{"D-1", "1", "04/03/2024"}, {"D-1", "2", "04/03/2024"},
				{"D-2", "3", "05/03/2024"}, {"D-2", "x", "05/03/2024"},
				{"D-3", "4", "06/03/2024"}, {"", "5", "06/03/2024"},
				{"D-3", "6", "07/03/2024"}, {"D-4", "7", "08/03/2024"},
			},
		}}
		records, nerr := n.Normalize(uberProvider(), Meta{ExecutionID: "e1", PartnerID: "p1"}, payload)
		require.NotNil(t, nerr)
		assert.Equal(t, 2, nerr.Rejected)

		m := NewMerger(memory.New())
		_, err := m.Merge(ctx, "e1", "p1", records)
		require.NoError(t, err)
		s, err := m.Summary(ctx, "p1", week10)
		require.NoError(t, err)
		total := 0
		for _, l := range s.Lines {
			total += l.Records
		}
		assert.Equal(t, 6, total)

		d3, err := m.DriverSummary(ctx, "p1", "D-3", week10)
		require.NoError(t, err)
		require.Len(t, d3.Lines, 1)
		assert.Equal(t, int64(1000), d3.Lines[0].AmountCents)
	})
}

func TestValidateMapping(t *testing.T) {
	assert.NoError(t, ValidateMapping(uberProvider()))

	p := uberProvider()
	p.Mapping.Amount = nil
	assert.Error(t, ValidateMapping(p))

	p = uberProvider()
	p.Mapping.CleaningRules = []models.CleaningRule{{Name: "x", Type: "regex", Pattern: "("}}
	assert.Error(t, ValidateMapping(p))
}
