package store

import (
	"context"

	"candled/internal/market"
)

// CandleQuery 描述展示层的读查询。Limit > 0 时返回区间内最新的 Limit 根，
// 结果始终按时间升序。
type CandleQuery struct {
	Source  string
	InstID  string
	Bar     string
	Limit   int
	StartTs int64 // 0 表示不限
	EndTs   int64 // 0 表示不限
}

// CandleStore 是 K 线与盘口快照的持久化接口。保持接口形式，
// 便于替换为其他嵌入式或远程数据库实现。
type CandleStore interface {
	// Init 幂等地建表、建索引，并在建表前完成必要的结构迁移。
	Init(ctx context.Context) error

	// UpsertCandles 将一批 K 线原子写入，键冲突时整行覆盖；空输入为 no-op。
	UpsertCandles(ctx context.Context, candles []market.Candle) error

	// ExistingTimestamps 返回闭区间 [start, end] 内已存在的时间戳（升序），
	// 是缺口检测的基础。
	ExistingTimestamps(ctx context.Context, source, instID, bar string, start, end int64) ([]int64, error)

	// LatestTimestamp 返回已存最大时间戳；无记录时 ok 为 false。
	LatestTimestamp(ctx context.Context, source, instID, bar string) (ts int64, ok bool, err error)

	// FetchCandles 按时间升序返回 K 线，供展示层消费。
	FetchCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error)

	// DeleteOlderThan 跨所有键批量删除 ts < cutoff 的记录，返回删除行数。
	DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error)

	// UpsertOrderBookSnapshot 以 (inst_id, 秒级时间戳) 为键覆盖写入盘口快照。
	UpsertOrderBookSnapshot(ctx context.Context, book market.OrderBook) error

	// FetchOrderBookSnapshots 返回某合约最近 limit 条快照（升序）。
	FetchOrderBookSnapshots(ctx context.Context, instID string, limit int) ([]market.OrderBook, error)

	Close() error
}
