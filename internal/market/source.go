package market

import "context"

// CandleRequest 描述一次远端 K 线请求。
type CandleRequest struct {
	InstID string
	Bar    string
	Limit  int
	// Before 为时间戳排他上界（只返回 ts < Before 的记录），0 表示从最新开始。
	Before int64
	// UseHistory 指示走历史归档接口（部分交易所区分实时/归档端点）。
	UseHistory bool
}

// Source 统一不同交易所的行情拉取行为。核心逻辑只依赖该接口，
// 不允许在服务/调度层按交易所名称分支。
type Source interface {
	Name() string

	// Candles 返回区间内的 K 线，按时间从新到旧排列；空切片表示没有更多数据。
	Candles(ctx context.Context, req CandleRequest) ([]Candle, error)

	Ticker(ctx context.Context, instID string) (Ticker, error)

	OrderBook(ctx context.Context, instID string, depth int) (OrderBook, error)

	// BarMilliseconds 返回该数据源周期代码对应的毫秒数；
	// 无法识别的周期返回错误，绝不静默兜底。
	BarMilliseconds(bar string) (int64, error)
}
