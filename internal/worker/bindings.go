package worker

import (
	"strconv"
	"time"

	"dario.cat/mergo"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/step"
)

const dateLayout = "2006-01-02"

// periodBindings 默认统计周期为上一个完整 ISO 周
func periodBindings(now time.Time, loc *time.Location) step.Bindings {
	week := models.WeekOf(now.In(loc).AddDate(0, 0, -7))
	start := week.Monday(loc)
	end := start.AddDate(0, 0, 6)
	return step.Bindings{
		"period_start": start.Format(dateLayout),
		"period_end":   end.Format(dateLayout),
		"week":         week.String(),
		"week_number":  strconv.Itoa(week.Week),
		"year":         strconv.Itoa(week.Year),
	}
}

// mergeBindings 后面的覆盖前面的
func mergeBindings(layers ...map[string]string) step.Bindings {
	out := map[string]string{}
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		// 同类型 map 合并不会返回错误
		_ = mergo.Merge(&out, layer, mergo.WithOverride)
	}
	return step.Bindings(out)
}

// fallbackDate 没有日期列的记录归入统计周期第一天
func fallbackDate(b step.Bindings, loc *time.Location) time.Time {
	if t, err := time.ParseInLocation(dateLayout, b["period_start"], loc); err == nil {
		return t
	}
	return time.Time{}
}
