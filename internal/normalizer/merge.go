package normalizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/storage"
)

// Merger 把标准记录合并进周汇总。同一执行重复合并时替换自己的贡献，结果幂等
type Merger struct {
	repo storage.ContributionRepo
	now  func() time.Time
}

// NewMerger 创建合并器
func NewMerger(repo storage.ContributionRepo) *Merger {
	return &Merger{repo: repo, now: time.Now}
}

type groupKey struct {
	driver   string
	category models.ProviderCategory
	currency string
}

// Merge 按周分组写入执行的贡献，返回受影响的周
func (m *Merger) Merge(ctx context.Context, executionID, partnerID string, records []models.ExtractedRecord) ([]models.WeekKey, error) {
	byWeek := map[models.WeekKey]map[groupKey]*models.Contribution{}
	now := m.now().UTC()
	for _, r := range records {
		groups, ok := byWeek[r.Week]
		if !ok {
			groups = map[groupKey]*models.Contribution{}
			byWeek[r.Week] = groups
		}
		k := groupKey{driver: r.DriverID, category: r.Category, currency: r.Currency}
		c, ok := groups[k]
		if !ok {
			c = &models.Contribution{
				ExecutionID: executionID,
				PartnerID:   partnerID,
				DriverID:    r.DriverID,
				Category:    r.Category,
				Week:        r.Week,
				Currency:    r.Currency,
				UpdatedAt:   now,
			}
			groups[k] = c
		}
		c.AmountCents += r.AmountCents
		c.Records++
	}

	weeks := make([]models.WeekKey, 0, len(byWeek))
	for week := range byWeek {
		weeks = append(weeks, week)
	}
	sort.Slice(weeks, func(i, j int) bool { return weekLess(weeks[i], weeks[j]) })

	for _, week := range weeks {
		items := make([]models.Contribution, 0, len(byWeek[week]))
		for _, c := range byWeek[week] {
			items = append(items, *c)
		}
		sort.Slice(items, func(i, j int) bool { return contributionLess(items[i], items[j]) })
		if err := m.repo.ReplaceContributions(ctx, executionID, partnerID, week, items); err != nil {
			return nil, fmt.Errorf("写入 %s 周汇总失败: %w", week, err)
		}
	}
	return weeks, nil
}

// Summary 汇总合作方某周所有执行的贡献
func (m *Merger) Summary(ctx context.Context, partnerID string, week models.WeekKey) (*models.WeeklySummary, error) {
	contributions, err := m.repo.Contributions(ctx, partnerID, week)
	if err != nil {
		return nil, err
	}

	lines := map[groupKey]*models.SummaryLine{}
	executions := map[groupKey]map[string]struct{}{}
	for _, c := range contributions {
		k := groupKey{driver: c.DriverID, category: c.Category, currency: c.Currency}
		l, ok := lines[k]
		if !ok {
			l = &models.SummaryLine{DriverID: c.DriverID, Category: c.Category, Currency: c.Currency}
			lines[k] = l
			executions[k] = map[string]struct{}{}
		}
		l.AmountCents += c.AmountCents
		l.Records += c.Records
		executions[k][c.ExecutionID] = struct{}{}
	}

	summary := &models.WeeklySummary{PartnerID: partnerID, Week: week, Lines: make([]models.SummaryLine, 0, len(lines))}
	for k, l := range lines {
		l.Executions = len(executions[k])
		summary.Lines = append(summary.Lines, *l)
	}
	sort.Slice(summary.Lines, func(i, j int) bool {
		a, b := summary.Lines[i], summary.Lines[j]
		if a.DriverID != b.DriverID {
			return a.DriverID < b.DriverID
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Currency < b.Currency
	})
	return summary, nil
}

// DriverSummary 只保留指定司机的汇总行
func (m *Merger) DriverSummary(ctx context.Context, partnerID, driverID string, week models.WeekKey) (*models.WeeklySummary, error) {
	s, err := m.Summary(ctx, partnerID, week)
	if err != nil {
		return nil, err
	}
	lines := s.Lines[:0]
	for _, l := range s.Lines {
		if l.DriverID == driverID {
			lines = append(lines, l)
		}
	}
	s.Lines = lines
	return s, nil
}

func weekLess(a, b models.WeekKey) bool {
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	return a.Week < b.Week
}

func contributionLess(a, b models.Contribution) bool {
	if a.DriverID != b.DriverID {
		return a.DriverID < b.DriverID
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Currency < b.Currency
}
