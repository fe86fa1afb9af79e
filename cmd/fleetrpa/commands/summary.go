package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/datafusion/fleetrpa/internal/logger"
	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/normalizer"
)

var summaryFlags struct {
	partner string
	week    string
	driver  string
}

func init() {
	f := summaryCmd.Flags()
	f.StringVar(&summaryFlags.partner, "partner", "", "合作方 ID")
	f.StringVar(&summaryFlags.week, "week", "", "ISO 周，如 2024-W10")
	f.StringVar(&summaryFlags.driver, "driver", "", "只显示该司机")
	_ = summaryCmd.MarkFlagRequired("partner")
	_ = summaryCmd.MarkFlagRequired("week")
	rootCmd.AddCommand(summaryCmd)
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "以表格显示合作方某周的司机收入汇总",
	RunE: func(cmd *cobra.Command, args []string) error {
		week, err := models.ParseWeekKey(summaryFlags.week)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		log, err := logger.NewLogger(&cfg.Log)
		if err != nil {
			log = logger.NewNop()
		}
		defer func() { _ = log.Sync() }()

		store, ok, err := openSummaries(ctx, cfg, log, nil)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("周汇总使用内存存储 (summary.driver=%s)，没有可查询的数据", cfg.Summary.Driver)
		}
		defer store.Close()

		merger := normalizer.NewMerger(store)
		var s *models.WeeklySummary
		if summaryFlags.driver != "" {
			s, err = merger.DriverSummary(ctx, summaryFlags.partner, summaryFlags.driver, week)
		} else {
			s, err = merger.Summary(ctx, summaryFlags.partner, week)
		}
		if err != nil {
			return err
		}
		renderSummary(cmd.OutOrStdout(), s)
		return nil
	},
}

func renderSummary(w io.Writer, s *models.WeeklySummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s %s", s.PartnerID, s.Week))
	t.AppendHeader(table.Row{"司机", "类别", "币种", "金额", "记录", "执行"})

	totals := map[string]int64{}
	for _, l := range s.Lines {
		t.AppendRow(table.Row{l.DriverID, l.Category, l.Currency, formatCents(l.AmountCents), l.Records, l.Executions})
		totals[l.Currency] += l.AmountCents
	}
	for _, cur := range sortedKeys(totals) {
		t.AppendFooter(table.Row{"合计", "", cur, formatCents(totals[cur]), "", ""})
	}
	if len(s.Lines) == 0 {
		t.AppendRow(table.Row{"(无数据)", "", "", "", "", ""})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignFooter: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// formatCents 以两位小数显示分
func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
