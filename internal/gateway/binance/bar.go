package binance

import (
	"fmt"
	"strconv"
	"strings"
)

// barMilliseconds 解析 Binance 周期代码（1m/1h/1d/1w/1M）为毫秒。
// 与 OKX 家族不同，时/日/周为小写，月为大写 M；月线按 30 天近似。
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
	case 'm':
		return n * 60 * 1000, nil
	case 'h':
		return n * 60 * 60 * 1000, nil
	case 'd':
		return n * 24 * 60 * 60 * 1000, nil
	case 'w':
		return n * 7 * 24 * 60 * 60 * 1000, nil
	case 'M':
		return n * 30 * 24 * 60 * 60 * 1000, nil
	default:
		return 0, fmt.Errorf("无法识别的周期: %q", bar)
	}
}
