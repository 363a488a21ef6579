package okx

import (
	"fmt"
	"strconv"
	"strings"
)

// barMilliseconds 解析 OKX 周期代码（1s/1m/5m/1H/1D/1W/1M…）为毫秒。
// 月线按 30 天近似，仅用于网格对齐；无法识别的后缀直接报错。
func barMilliseconds(bar string) (int64, error) {
	bar = strings.TrimSpace(bar)
	if len(bar) < 2 {
		return 0, fmt.Errorf("无法识别的周期: %q", bar)
	}
	unit := bar[len(bar)-1]
	n, err := strconv.ParseInt(bar[:len(bar)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("无法识别的周期: %q", bar)
	}
	switch unit {
	case 's':
		return n * 1000, nil
	case 'm':
		return n * 60 * 1000, nil
	case 'H':
		return n * 60 * 60 * 1000, nil
	case 'D':
		return n * 24 * 60 * 60 * 1000, nil
	case 'W':
		return n * 7 * 24 * 60 * 60 * 1000, nil
	case 'M':
		return n * 30 * 24 * 60 * 60 * 1000, nil
	default:
		return 0, fmt.Errorf("无法识别的周期: %q", bar)
	}
}
