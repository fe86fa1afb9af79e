package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/datafusion/fleetrpa/internal/models"
	"github.com/datafusion/fleetrpa/internal/rpaerr"
)

// CronSpec 将重复规则转为带时区的五段 cron 表达式
func CronSpec(r models.Recurrence, loc *time.Location) (string, error) {
	if r.Hour < 0 || r.Hour > 23 {
		return "", rpaerr.Configuration("小时 %d 超出范围", r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return "", rpaerr.Configuration("分钟 %d 超出范围", r.Minute)
	}
	if loc == nil {
		loc = time.UTC
	}

	var spec string
	switch r.Frequency {
	case models.Daily:
		spec = fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
	case models.Weekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return "", rpaerr.Configuration("星期 %d 超出范围", r.Weekday)
		}
		spec = fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, r.Weekday)
	case models.Monthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return "", rpaerr.Configuration("日期 %d 超出范围", r.DayOfMonth)
		}
		spec = fmt.Sprintf("%d %d %d * *", r.Minute, r.Hour, r.DayOfMonth)
	default:
		return "", rpaerr.Configuration("未知的调度频率: %q", r.Frequency)
	}
	return "CRON_TZ=" + loc.String() + " " + spec, nil
}

// Next 返回严格晚于 after 的下一次触发时间。没有该日期的月份（如 31 日）被跳过
func Next(r models.Recurrence, after time.Time, loc *time.Location) (time.Time, error) {
	spec, err := CronSpec(r, loc)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, rpaerr.WrapConfiguration(err, "解析 cron 表达式 %q 失败", spec)
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, rpaerr.Configuration("重复规则 %q 没有下一次触发时间", spec)
	}
	return next, nil
}
