package store

import "time"

// SubtractMonths 做日历月减法：月份回退 n 个月，日号超出目标月天数时
// 钳位到该月最后一天（3 月 31 日减一个月得到 2 月 28/29 日）。
func SubtractMonths(reference time.Time, months int) time.Time {
	year := reference.Year()
	month := int(reference.Month()) - months
	for month <= 0 {
		month += 12
		year--
	}
	day := reference.Day()
	if last := daysInMonth(year, time.Month(month)); day > last {
		day = last
	}
	return time.Date(year, time.Month(month), day,
		reference.Hour(), reference.Minute(), reference.Second(), reference.Nanosecond(),
		reference.Location())
}

func daysInMonth(year int, month time.Month) int {
	// 下月第 0 天即本月最后一天。
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// RetentionCutoff 计算保留期截止时间戳（毫秒）。注意这里是日历月语义，
// 与调度器回补窗口的固定 90 天常量是两个独立的旋钮，不要合并。
func RetentionCutoff(months int, now time.Time) int64 {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return SubtractMonths(now, months).UnixMilli()
}
