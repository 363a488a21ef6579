package fetcher

import (
	"context"
	"time"

	"candled/internal/candles"
	"candled/internal/logger"
	"candled/internal/market"
	"candled/internal/store"
	"candled/internal/store/auditlog"
)

const (
	// 回补扫描窗口固定 90 天。这是调度旋钮，与日历月保留期互相独立。
	backfillWindowDays = 90
	// 同一日桶连续多少次回补零结果后放弃，等下次队列重建再试。
	emptyStreakCap = 3
)

// Pair 是调度单元：一个 (数据源, 合约, 周期) 组合对应的 K 线服务。
type Pair struct {
	Service *candles.Service
	InstID  string
}

// BookTarget 是每日盘口快照的采集目标。
type BookTarget struct {
	Source market.Source
	InstID string
	Depth  int
}

type Options struct {
	Interval         time.Duration // 循环节拍
	QPS              float64       // 交易对间的节流（每秒请求数）
	BackfillPerCycle int           // 每个周期处理的日桶数
	RetentionMonths  int           // 日历月保留期，<=0 关闭清理
}

// Fetcher 是顶层调度器：单协程固定节拍循环，每轮刷新全部交易对、
// 消费若干回补日桶，并在 UTC 日切换时做一次保留期清理与盘口快照。
// 任何单个交易对的失败只影响自己，循环继续。
type Fetcher struct {
	store store.CandleStore
	audit *auditlog.Log
	pairs []Pair
	books []BookTarget
	opts  Options

	queue        *backfillQueue
	lastMaintDay int64

	now func() time.Time
}

func New(st store.CandleStore, audit *auditlog.Log, pairs []Pair, books []BookTarget, opts Options) *Fetcher {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.QPS <= 0 {
		opts.QPS = 10
	}
	if opts.BackfillPerCycle <= 0 {
		opts.BackfillPerCycle = 3
	}
	return &Fetcher{
		store: st,
		audit: audit,
		pairs: pairs,
		books: books,
		opts:  opts,
		queue: newBackfillQueue(),
		now:   time.Now,
	}
}

// Run 阻塞运行调度循环直到 ctx 结束。节拍按「周期 − 本轮耗时」计算，
// 超时的周期立即开始下一轮，不累积欠账。
func (f *Fetcher) Run(ctx context.Context) error {
	logger.Infof("[fetcher] 启动：%d 个交易对，节拍 %s，每轮回补 %d 个日桶",
		len(f.pairs), f.opts.Interval, f.opts.BackfillPerCycle)
	for {
		started := f.now()
		f.runCycle(ctx)
		if ctx.Err() != nil {
			logger.Infof("[fetcher] 收到退出信号，停止调度")
			return nil
		}
		wait := f.opts.Interval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			logger.Infof("[fetcher] 收到退出信号，停止调度")
			return nil
		case <-time.After(wait):
		}
	}
}

func (f *Fetcher) runCycle(ctx context.Context) {
	now := f.now()
	for i := range f.pairs {
		if ctx.Err() != nil {
			return
		}
		f.refreshPair(ctx, f.pairs[i], now)
		f.pace(ctx)
	}
	f.drainBackfill(ctx, now)
	f.runDailyMaintenance(ctx, now)
}

// refreshPair 刷新单个交易对：库为空时先灌入约一页的近期历史
// （深度补齐交给日桶队列），否则拉实时并补齐最新一根之后的缺口。
func (f *Fetcher) refreshPair(ctx context.Context, p Pair, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[fetcher] %s %s/%s 刷新 panic: %v",
				p.Service.SourceName(), p.InstID, p.Service.Bar(), r)
		}
	}()
	svc := p.Service
	_, ok, err := f.store.LatestTimestamp(ctx, svc.SourceName(), p.InstID, svc.Bar())
	if err != nil {
		logger.Warnf("[fetcher] 查询 %s/%s 最新时间戳失败: %v", p.InstID, svc.Bar(), err)
		return
	}
	nowMs := now.UnixMilli()
	if !ok {
		start := nowMs - int64(svc.PageLimit())*svc.BarMs()
		if ws := nowMs - backfillWindowDays*dayMs; start < ws {
			start = ws
		}
		n, err := svc.FetchHistory(ctx, p.InstID, start, nowMs)
		if err != nil {
			logger.Warnf("[fetcher] %s/%s 首次灌入失败: %v", p.InstID, svc.Bar(), err)
			return
		}
		logger.Infof("[fetcher] %s %s/%s 首次灌入 %d 条", svc.SourceName(), p.InstID, svc.Bar(), n)
		return
	}
	// 实时轮询只要最新 1 根，带宽留给历史回补。
	if _, err := svc.FetchRealtime(ctx, p.InstID, 1); err != nil {
		logger.Warnf("[fetcher] %s/%s 实时刷新失败: %v", p.InstID, svc.Bar(), err)
	}
	prev, _, filled, err := svc.FillSinceLatest(ctx, p.InstID, now)
	if err != nil {
		logger.Warnf("[fetcher] %s/%s 补齐最新缺口失败: %v", p.InstID, svc.Bar(), err)
	} else if filled > 0 {
		logger.Debugf("[fetcher] %s %s/%s 自 %d 起补齐 %d 条",
			svc.SourceName(), p.InstID, svc.Bar(), prev, filled)
	}
}

// drainBackfill 每轮消费最多 BackfillPerCycle 个日桶；队列空时先重建。
func (f *Fetcher) drainBackfill(ctx context.Context, now time.Time) {
	if f.queue.len() == 0 {
		if err := f.queue.rebuild(ctx, f.store, f.pairs, backfillWindowDays, now); err != nil {
			logger.Warnf("[fetcher] 重建回补队列失败: %v", err)
			return
		}
		if n := f.queue.len(); n > 0 {
			logger.Infof("[fetcher] 回补队列重建完成，共 %d 个日桶", n)
		}
	}
	for i := 0; i < f.opts.BackfillPerCycle; i++ {
		if ctx.Err() != nil {
			return
		}
		b, ok := f.queue.pop()
		if !ok {
			return
		}
		f.backfillBucket(ctx, b, now)
		f.pace(ctx)
	}
}

func (f *Fetcher) backfillBucket(ctx context.Context, b dayBucket, now time.Time) {
	p := f.pairs[b.pairIdx]
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[fetcher] %s %s/%s 日桶回补 panic: %v",
				p.Service.SourceName(), p.InstID, p.Service.Bar(), r)
		}
	}()
	end := b.dayStart + dayMs - 1
	if nowMs := now.UnixMilli(); end > nowMs {
		end = nowMs
	}
	missing, fetched, err := p.Service.BackfillMissing(ctx, p.InstID, b.dayStart, end)
	if err != nil {
		logger.Warnf("[fetcher] %s/%s 日桶 %d 回补失败: %v", p.InstID, p.Service.Bar(), b.dayStart, err)
	}
	if len(missing) == 0 {
		return
	}
	f.recordBackfill(ctx, p, b, missing, fetched, err)

	key := bucketKey(p, b.dayStart)
	if fetched == 0 {
		f.queue.emptyStreak[key]++
		if f.queue.emptyStreak[key] >= emptyStreakCap {
			logger.Debugf("[fetcher] 日桶 %s 连续 %d 次无数据，等待下次扫描", key, emptyStreakCap)
			return
		}
		f.queue.push(b)
		return
	}
	delete(f.queue.emptyStreak, key)
	if fetched < len(missing) {
		// 仍有缺口，放回队尾继续啃。
		f.queue.push(b)
	}
}

func (f *Fetcher) recordBackfill(ctx context.Context, p Pair, b dayBucket, missing []int64, fetched int, runErr error) {
	if f.audit == nil {
		return
	}
	rec := auditlog.BackfillRecord{
		Source:       p.Service.SourceName(),
		InstID:       p.InstID,
		Bar:          p.Service.Bar(),
		DayStart:     b.dayStart,
		MissingCount: len(missing),
		FirstMissing: missing[0],
		LastMissing:  missing[len(missing)-1],
		Fetched:      fetched,
	}
	if runErr != nil {
		rec.Detail = map[string]any{"error": runErr.Error()}
	}
	if err := f.audit.Append(ctx, rec); err != nil {
		logger.Warnf("[fetcher] 写入回补审计失败: %v", err)
	}
}

// runDailyMaintenance 在 UTC 日切换时执行一次：保留期清理 + 盘口快照。
func (f *Fetcher) runDailyMaintenance(ctx context.Context, now time.Time) {
	day := now.UnixMilli() / dayMs
	if day == f.lastMaintDay {
		return
	}
	f.lastMaintDay = day
	if f.opts.RetentionMonths > 0 {
		cutoff := store.RetentionCutoff(f.opts.RetentionMonths, now)
		if n, err := f.store.DeleteOlderThan(ctx, cutoff); err != nil {
			logger.Warnf("[fetcher] 保留期清理失败: %v", err)
		} else if n > 0 {
			logger.Infof("[fetcher] 保留期清理完成，删除 %d 条", n)
		}
	}
	for _, t := range f.books {
		if ctx.Err() != nil {
			return
		}
		book, err := t.Source.OrderBook(ctx, t.InstID, t.Depth)
		if err != nil {
			logger.Warnf("[fetcher] 采集 %s 盘口失败: %v", t.InstID, err)
			continue
		}
		if err := f.store.UpsertOrderBookSnapshot(ctx, book); err != nil {
			logger.Warnf("[fetcher] 写入 %s 盘口快照失败: %v", t.InstID, err)
		}
		f.pace(ctx)
	}
}

// pace 按 1/QPS 在请求之间等待，控制对外压力。
func (f *Fetcher) pace(ctx context.Context) {
	if f.opts.QPS <= 0 {
		return
	}
	d := time.Duration(float64(time.Second) / f.opts.QPS)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
