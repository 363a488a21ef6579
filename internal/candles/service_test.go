package candles

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"candled/internal/market"
	sqlitestore "candled/internal/store/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minuteMs = int64(60000)

// fakeSource 模拟一个持有完整升序序列的交易所：按 Before 游标
// 从新到旧翻页，页大小受 req.Limit 限制。
type fakeSource struct {
	name    string
	series  []market.Candle // 升序
	calls   int
	lastReq market.CandleRequest
	failErr error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) BarMilliseconds(bar string) (int64, error) {
	if bar != "1m" {
		return 0, fmt.Errorf("无法识别的周期: %q", bar)
	}
	return minuteMs, nil
}

func (f *fakeSource) Candles(_ context.Context, req market.CandleRequest) ([]market.Candle, error) {
	f.calls++
	f.lastReq = req
	if f.failErr != nil {
		return nil, f.failErr
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []market.Candle
	for i := len(f.series) - 1; i >= 0 && len(out) < limit; i-- {
		c := f.series[i]
		if req.Before > 0 && c.Ts >= req.Before {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeSource) Ticker(context.Context, string) (market.Ticker, error) {
	return market.Ticker{}, fmt.Errorf("not implemented")
}

func (f *fakeSource) OrderBook(context.Context, string, int) (market.OrderBook, error) {
	return market.OrderBook{}, fmt.Errorf("not implemented")
}

// stuckSource 无论游标是什么都返回同一页，用于验证防死循环保护。
type stuckSource struct{ fakeSource }

func (s *stuckSource) Candles(_ context.Context, req market.CandleRequest) ([]market.Candle, error) {
	s.calls++
	out := make([]market.Candle, len(s.series))
	for i, c := range s.series {
		out[len(out)-1-i] = c
	}
	return out, nil
}

func seriesCandles(source string, from, to int64) []market.Candle {
	var out []market.Candle
	for ts := from; ts <= to; ts += minuteMs {
		out = append(out, market.Candle{
			Source:  source,
			InstID:  "BTC-USDT",
			Bar:     "1m",
			Ts:      ts,
			Open:    decimal.NewFromInt(100),
			High:    decimal.NewFromInt(110),
			Low:     decimal.NewFromInt(90),
			Close:   decimal.NewFromInt(105),
			Volume:  decimal.NewFromInt(1),
			Confirm: true,
		})
	}
	return out
}

func newTestService(t *testing.T, src market.Source, limit int) (*Service, *sqlitestore.Store) {
	t.Helper()
	st, err := sqlitestore.New(filepath.Join(t.TempDir(), "candles.db"))
	require.NoError(t, err)
	require.NoError(t, st.Init(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	svc, err := New(src, st, "1m", limit, 0, 0)
	require.NoError(t, err)
	return svc, st
}

func TestNewRejectsUnknownBar(t *testing.T) {
	src := &fakeSource{name: "okx"}
	st, err := sqlitestore.New(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = New(src, st, "7x", 100, 0, 0)
	assert.Error(t, err)
}

func TestBackfillMissingGridDiff(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 4*minuteMs)}
	svc, st := newTestService(t, src, 100)

	// 已有 0 与 120000，网格 [0,180000] 应缺 60000 和 180000。
	seed := []market.Candle{src.series[0], src.series[2]}
	require.NoError(t, st.UpsertCandles(ctx, seed))

	missing, fetched, err := svc.BackfillMissing(ctx, "BTC-USDT", 0, 3*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{minuteMs, 3 * minuteMs}, missing)
	assert.Equal(t, 2, fetched)

	got, err := st.ExistingTimestamps(ctx, "okx", "BTC-USDT", "1m", 0, 3*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, minuteMs, 2 * minuteMs, 3 * minuteMs}, got)
}

func TestBackfillMissingNoGapMakesNoRequests(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 4*minuteMs)}
	svc, st := newTestService(t, src, 100)
	require.NoError(t, st.UpsertCandles(ctx, src.series))

	missing, fetched, err := svc.BackfillMissing(ctx, "BTC-USDT", 0, 4*minuteMs)
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Zero(t, fetched)
	assert.Zero(t, src.calls)
}

func TestBackfillMissingConsolidatesRuns(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 10*minuteMs)}
	svc, st := newTestService(t, src, 100)

	// 缺口：连续段 [1m,3m] 和孤点 8m，其余已存在。
	var seed []market.Candle
	for i, c := range src.series {
		if i >= 1 && i <= 3 || i == 8 {
			continue
		}
		seed = append(seed, c)
	}
	require.NoError(t, st.UpsertCandles(ctx, seed))

	missing, fetched, err := svc.BackfillMissing(ctx, "BTC-USDT", 0, 10*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, []int64{minuteMs, 2 * minuteMs, 3 * minuteMs, 8 * minuteMs}, missing)
	assert.Equal(t, 4, fetched)
	// 两个连续段 → 两次拉取，而不是逐点四次。
	assert.Equal(t, 2, src.calls)
}

func TestConsolidateRuns(t *testing.T) {
	runs := consolidateRuns([]int64{minuteMs, 2 * minuteMs, 3 * minuteMs, 5 * minuteMs, 8 * minuteMs, 9 * minuteMs}, minuteMs)
	assert.Equal(t, [][2]int64{
		{minuteMs, 3 * minuteMs},
		{5 * minuteMs, 5 * minuteMs},
		{8 * minuteMs, 9 * minuteMs},
	}, runs)
	assert.Nil(t, consolidateRuns(nil, minuteMs))
}

func TestFetchHistoryPagesBackward(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 99*minuteMs)}
	svc, st := newTestService(t, src, 10)

	n, err := svc.FetchHistory(ctx, "BTC-USDT", 20*minuteMs, 59*minuteMs)
	require.NoError(t, err)
	assert.Equal(t, 40, n)

	got, err := st.ExistingTimestamps(ctx, "okx", "BTC-USDT", "1m", 0, 99*minuteMs)
	require.NoError(t, err)
	require.Len(t, got, 40)
	assert.Equal(t, 20*minuteMs, got[0])
	assert.Equal(t, 59*minuteMs, got[len(got)-1])
	// 40 根、页大小 10 → 4 页。
	assert.Equal(t, 4, src.calls)
}

func TestFetchHistoryStopsOnEmptyPage(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx"}
	svc, _ := newTestService(t, src, 10)

	n, err := svc.FetchHistory(ctx, "BTC-USDT", 0, 59*minuteMs)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, src.calls)
}

func TestFetchHistoryDetectsStuckCursor(t *testing.T) {
	ctx := context.Background()
	src := &stuckSource{fakeSource{name: "okx", series: seriesCandles("okx", 50*minuteMs, 59*minuteMs)}}
	svc, _ := newTestService(t, src, 10)

	// 数据源永远返回同一页且最老一根到不了 start：必须报错而不是死循环。
	_, err := svc.FetchHistory(ctx, "BTC-USDT", 0, 59*minuteMs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "游标未推进")
}

func TestBackfillResumesAfterPartialWrite(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 9*minuteMs)}
	svc, st := newTestService(t, src, 100)

	// 模拟上次回补写了一半就中断。
	require.NoError(t, st.UpsertCandles(ctx, src.series[:5]))

	missing, fetched, err := svc.BackfillMissing(ctx, "BTC-USDT", 0, 9*minuteMs)
	require.NoError(t, err)
	assert.Len(t, missing, 5)
	assert.Equal(t, 5, fetched)

	got, err := st.ExistingTimestamps(ctx, "okx", "BTC-USDT", "1m", 0, 9*minuteMs)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestFillSinceLatest(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 9*minuteMs)}
	svc, st := newTestService(t, src, 100)
	now := time.UnixMilli(9 * minuteMs)

	// 库为空：no-op，不发请求。
	_, ok, n, err := svc.FillSinceLatest(ctx, "BTC-USDT", now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, n)
	assert.Zero(t, src.calls)

	require.NoError(t, st.UpsertCandles(ctx, src.series[:4]))
	prev, ok, n, err := svc.FillSinceLatest(ctx, "BTC-USDT", now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3*minuteMs, prev, "返回补齐前的最新时间戳")
	assert.Equal(t, 6, n)

	got, err := st.ExistingTimestamps(ctx, "okx", "BTC-USDT", "1m", 0, 9*minuteMs)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestFetchRealtimeUpserts(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 9*minuteMs)}
	svc, st := newTestService(t, src, 3)

	page, err := svc.FetchRealtime(ctx, "BTC-USDT", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, 9*minuteMs, page[0].Ts) // 新到旧

	ts, ok, err := st.LatestTimestamp(ctx, "okx", "BTC-USDT", "1m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9*minuteMs, ts)
}

func TestFetchRealtimeKeepsRequestLight(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx", series: seriesCandles("okx", 0, 9*minuteMs)}
	svc, _ := newTestService(t, src, 300)

	// 实时轮询按调用方给的条数请求，不放大到整页。
	page, err := svc.FetchRealtime(ctx, "BTC-USDT", 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, 1, src.lastReq.Limit)
	assert.False(t, src.lastReq.UseHistory)

	// limit <= 0 按 1 处理，而不是整页。
	_, err = svc.FetchRealtime(ctx, "BTC-USDT", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, src.lastReq.Limit)
}

func TestCleanupOldData(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{name: "okx"}
	svc, st := newTestService(t, src, 100)

	now := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	oldTs := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	newTs := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, st.UpsertCandles(ctx, []market.Candle{
		{Source: "okx", InstID: "BTC-USDT", Bar: "1m", Ts: oldTs, Confirm: true},
		{Source: "okx", InstID: "BTC-USDT", Bar: "1m", Ts: newTs, Confirm: true},
	}))

	n, err := svc.CleanupOldData(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// months <= 0 关闭清理。
	n, err = svc.CleanupOldData(ctx, 0, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
