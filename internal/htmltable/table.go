// Package htmltable 使用 goquery 解析 HTML 表格
package htmltable

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Parse 解析 HTML 表格。列名取自 thead，没有 thead 时取第一行
func Parse(html string) ([]string, [][]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("解析 HTML 失败: %w", err)
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, nil, fmt.Errorf("目标元素中没有表格")
	}

	var columns []string
	table.Find("thead tr").First().Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		columns = append(columns, cellText(cell))
	})

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.ParentsFiltered("thead").Length() > 0 {
			return
		}
		// 嵌套表格的行不属于当前表格
		if tr.ParentsFiltered("table").First().Get(0) != table.Get(0) {
			return
		}
		var row []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			row = append(row, cellText(cell))
		})
		if len(row) == 0 {
			return
		}
		if columns == nil {
			columns = row
			return
		}
		rows = append(rows, row)
	})

	return columns, rows, nil
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}
