package candles

import (
	"context"
	"fmt"
	"math"
	"time"

	"candled/internal/logger"
	"candled/internal/market"
	"candled/internal/ratelimit"
	"candled/internal/store"
)

// Service 负责单个 (数据源, 周期) 组合的 K 线拉取与补齐。
// 历史与实时接口各有独立限流器，写入统一走幂等 upsert，
// 因此任意操作中途失败后重跑都是安全的。
type Service struct {
	source market.Source
	store  store.CandleStore

	bar   string
	barMs int64
	limit int

	historyLimiter  *ratelimit.Limiter
	realtimeLimiter *ratelimit.Limiter
}

// New 校验周期代码后构建服务。limit 为单页最大拉取条数，
// historyQPS/realtimeQPS <= 0 表示对应接口不限流。
func New(src market.Source, st store.CandleStore, bar string, limit int, historyQPS, realtimeQPS float64) (*Service, error) {
	if src == nil || st == nil {
		return nil, fmt.Errorf("source/store 不能为空")
	}
	barMs, err := src.BarMilliseconds(bar)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return &Service{
		source:          src,
		store:           st,
		bar:             bar,
		barMs:           barMs,
		limit:           limit,
		historyLimiter:  ratelimit.New(historyQPS),
		realtimeLimiter: ratelimit.New(realtimeQPS),
	}, nil
}

func (s *Service) SourceName() string { return s.source.Name() }
func (s *Service) Bar() string        { return s.bar }
func (s *Service) BarMs() int64       { return s.barMs }
func (s *Service) PageLimit() int     { return s.limit }

// FetchRealtime 拉取最新 limit 根 K 线并落库，返回落库后的这批数据
// （新到旧）。实时轮询保持轻量，调度器每拍只取 1 根；未确认的最新
// 一根也会写入，后续周期里被确认值覆盖。limit <= 0 按 1 处理。
func (s *Service) FetchRealtime(ctx context.Context, instID string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 1
	}
	if err := s.realtimeLimiter.Acquire(ctx); err != nil {
		return nil, err
	}
	page, err := s.source.Candles(ctx, market.CandleRequest{
		InstID: instID,
		Bar:    s.bar,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("拉取实时 K 线失败 %s/%s: %w", instID, s.bar, err)
	}
	if len(page) == 0 {
		return nil, nil
	}
	if err := s.store.UpsertCandles(ctx, page); err != nil {
		return nil, err
	}
	return page, nil
}

// FetchHistory 向过去分页拉取 [start, end] 毫秒区间的历史 K 线。
// 每一页先落库再推进游标，中途崩溃最多重复拉取、不会丢页。
// 终止条件：页内最老记录已越过 start，或数据源返回空页。
// 游标必须严格递减，否则视为数据源分页异常直接报错。
func (s *Service) FetchHistory(ctx context.Context, instID string, start, end int64) (int, error) {
	if start < 0 {
		start = 0
	}
	cursor := int64(0) // 0 表示从最新开始
	filterEnd := int64(math.MaxInt64)
	if end > 0 {
		// Before 是 ts 的严格上界，+1 让 end 本身可被取到。
		cursor = end + 1
		filterEnd = end
	}
	total := 0
	for {
		if err := s.historyLimiter.Acquire(ctx); err != nil {
			return total, err
		}
		page, err := s.source.Candles(ctx, market.CandleRequest{
			InstID:     instID,
			Bar:        s.bar,
			Limit:      s.limit,
			Before:     cursor,
			UseHistory: true,
		})
		if err != nil {
			return total, fmt.Errorf("拉取历史 K 线失败 %s/%s: %w", instID, s.bar, err)
		}
		if len(page) == 0 {
			return total, nil
		}
		kept := filterRange(page, start, filterEnd)
		if len(kept) > 0 {
			if err := s.store.UpsertCandles(ctx, kept); err != nil {
				return total, err
			}
			total += len(kept)
		}
		oldest := page[len(page)-1].Ts
		if oldest <= start {
			return total, nil
		}
		if cursor > 0 && oldest >= cursor {
			return total, fmt.Errorf("历史分页游标未推进 %s/%s: cursor=%d oldest=%d", instID, s.bar, cursor, oldest)
		}
		cursor = oldest
	}
}

// BackfillMissing 按周期网格比对 [start, end] 内的落库情况，
// 把缺失的时间戳按连续段合并后逐段回补。返回检测到的缺失网格点
// 和实际新拉取的条数。没有缺口时不发起任何请求。
func (s *Service) BackfillMissing(ctx context.Context, instID string, start, end int64) ([]int64, int, error) {
	gridStart := alignUp(start, s.barMs)
	gridEnd := alignDown(end, s.barMs)
	if gridStart > gridEnd {
		return nil, 0, nil
	}
	existing, err := s.store.ExistingTimestamps(ctx, s.source.Name(), instID, s.bar, gridStart, gridEnd)
	if err != nil {
		return nil, 0, err
	}
	have := make(map[int64]struct{}, len(existing))
	for _, ts := range existing {
		have[ts] = struct{}{}
	}
	var missing []int64
	for ts := gridStart; ts <= gridEnd; ts += s.barMs {
		if _, ok := have[ts]; !ok {
			missing = append(missing, ts)
		}
	}
	if len(missing) == 0 {
		return nil, 0, nil
	}
	fetched := 0
	for _, run := range consolidateRuns(missing, s.barMs) {
		n, err := s.FetchHistory(ctx, instID, run[0], run[1])
		fetched += n
		if err != nil {
			return missing, fetched, err
		}
	}
	logger.Debugf("[candles] %s %s/%s 回补缺口 %d 个（拉取 %d 条）",
		s.source.Name(), instID, s.bar, len(missing), fetched)
	return missing, fetched, nil
}

// FillSinceLatest 从库内最新一根补到当前时刻。库为空时（ok=false）
// 是 no-op，首次灌入由调用方按有界历史窗口处理。返回补齐前的最新
// 时间戳与新拉取条数，方便调用方记录进度。
func (s *Service) FillSinceLatest(ctx context.Context, instID string, now time.Time) (prevLatest int64, ok bool, fetched int, err error) {
	prevLatest, ok, err = s.store.LatestTimestamp(ctx, s.source.Name(), instID, s.bar)
	if err != nil {
		return 0, false, 0, err
	}
	if !ok {
		return 0, false, 0, nil
	}
	end := now.UnixMilli()
	if prevLatest >= end {
		return prevLatest, true, 0, nil
	}
	_, fetched, err = s.BackfillMissing(ctx, instID, prevLatest, end)
	return prevLatest, true, fetched, err
}

// CleanupOldData 删除早于日历保留期的所有 K 线（跨全部键），返回删除行数。
func (s *Service) CleanupOldData(ctx context.Context, retentionMonths int, now time.Time) (int64, error) {
	if retentionMonths <= 0 {
		return 0, nil
	}
	cutoff := store.RetentionCutoff(retentionMonths, now)
	return s.store.DeleteOlderThan(ctx, cutoff)
}

// filterRange 保留 ts ∈ [start, end] 的记录，维持原有顺序。
func filterRange(page []market.Candle, start, end int64) []market.Candle {
	kept := make([]market.Candle, 0, len(page))
	for _, c := range page {
		if c.Ts >= start && c.Ts <= end {
			kept = append(kept, c)
		}
	}
	return kept
}

// consolidateRuns 把升序缺失点合并为 [runStart, runEnd] 闭区间列表，
// 相邻点间隔恰为一个周期时属于同一段。
func consolidateRuns(missing []int64, barMs int64) [][2]int64 {
	if len(missing) == 0 {
		return nil
	}
	runs := make([][2]int64, 0, 4)
	runStart, prev := missing[0], missing[0]
	for _, ts := range missing[1:] {
		if ts == prev+barMs {
			prev = ts
			continue
		}
		runs = append(runs, [2]int64{runStart, prev})
		runStart, prev = ts, ts
	}
	return append(runs, [2]int64{runStart, prev})
}

func alignUp(ts, barMs int64) int64 {
	if ts <= 0 {
		return 0
	}
	if rem := ts % barMs; rem != 0 {
		return ts + barMs - rem
	}
	return ts
}

func alignDown(ts, barMs int64) int64 {
	if ts <= 0 {
		return 0
	}
	return ts - ts%barMs
}
