package fetcher

import (
	"context"
	"fmt"
	"time"

	"candled/internal/store"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// dayBucket 是回补队列的基本单元：某交易对的某个 UTC 日。
type dayBucket struct {
	pairIdx  int
	dayStart int64
}

// backfillQueue 维护待回补的日桶。队列耗尽后由 rebuild 重新扫描
// 回补窗口，只把仍有网格缺口的桶入队（新日在前）。
type backfillQueue struct {
	pending     []dayBucket
	emptyStreak map[string]int
}

func newBackfillQueue() *backfillQueue {
	return &backfillQueue{emptyStreak: map[string]int{}}
}

func (q *backfillQueue) len() int { return len(q.pending) }

func (q *backfillQueue) pop() (dayBucket, bool) {
	if len(q.pending) == 0 {
		return dayBucket{}, false
	}
	b := q.pending[0]
	q.pending = q.pending[1:]
	return b, true
}

func (q *backfillQueue) push(b dayBucket) {
	q.pending = append(q.pending, b)
}

// rebuild 逐交易对统计窗口内各 UTC 日的落库条数，与周期网格的期望
// 条数比对，缺口日入队。空结果计数随重建清零，之前放弃的桶重新获得机会。
func (q *backfillQueue) rebuild(ctx context.Context, st store.CandleStore, pairs []Pair, windowDays int, now time.Time) error {
	q.pending = q.pending[:0]
	q.emptyStreak = map[string]int{}
	nowMs := now.UnixMilli()
	windowStart := nowMs - int64(windowDays)*dayMs
	if windowStart < 0 {
		windowStart = 0
	}
	for i, p := range pairs {
		existing, err := st.ExistingTimestamps(ctx, p.Service.SourceName(), p.InstID, p.Service.Bar(), windowStart, nowMs)
		if err != nil {
			return fmt.Errorf("扫描 %s/%s 回补窗口失败: %w", p.InstID, p.Service.Bar(), err)
		}
		counts := make(map[int64]int, windowDays+1)
		for _, ts := range existing {
			counts[ts-ts%dayMs]++
		}
		barMs := p.Service.BarMs()
		firstDay := windowStart - windowStart%dayMs
		lastDay := nowMs - nowMs%dayMs
		for day := lastDay; day >= firstDay; day -= dayMs {
			lo, hi := day, day+dayMs-1
			if lo < windowStart {
				lo = windowStart
			}
			if hi > nowMs {
				hi = nowMs
			}
			expected := gridCount(lo, hi, barMs)
			if expected <= 0 || counts[day] >= expected {
				continue
			}
			q.pending = append(q.pending, dayBucket{pairIdx: i, dayStart: day})
		}
	}
	return nil
}

// gridCount 返回 [lo, hi] 内对齐到 barMs 的网格点个数。
func gridCount(lo, hi, barMs int64) int {
	if lo < 0 {
		lo = 0
	}
	first := lo
	if rem := lo % barMs; rem != 0 {
		first = lo + barMs - rem
	}
	last := hi - hi%barMs
	if first > last {
		return 0
	}
	return int((last-first)/barMs) + 1
}

func bucketKey(p Pair, dayStart int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", p.Service.SourceName(), p.InstID, p.Service.Bar(), dayStart)
}
