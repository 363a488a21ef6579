package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"candled/internal/market"
	"candled/internal/store"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Store 是 CandleStore 的 SQLite 实现。WAL 模式允许 HTTP 读与抓取循环
// 的写并发进行；写侧通过 MaxOpenConns(1) 串行化，避免锁竞争。
type Store struct {
	db   *sql.DB
	path string
}

var _ store.CandleStore = (*Store)(nil)

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init 先执行历史结构迁移，再幂等建表建索引。
func (s *Store) Init(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("schema 迁移失败: %w", err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			source       TEXT NOT NULL,
			inst_id      TEXT NOT NULL,
			bar          TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			open         TEXT NOT NULL,
			high         TEXT NOT NULL,
			low          TEXT NOT NULL,
			close        TEXT NOT NULL,
			volume       TEXT NOT NULL,
			volume_ccy   TEXT NOT NULL,
			volume_quote TEXT NOT NULL,
			confirm      INTEGER NOT NULL,
			PRIMARY KEY (source, inst_id, bar, ts)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_candles_source_ts ON candles(source, ts);`,
		`CREATE TABLE IF NOT EXISTS orderbook_snapshots (
			inst_id TEXT NOT NULL,
			ts_sec  INTEGER NOT NULL,
			ts_ms   INTEGER NOT NULL,
			depth   INTEGER NOT NULL,
			bids    TEXT NOT NULL,
			asks    TEXT NOT NULL,
			PRIMARY KEY (inst_id, ts_sec)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertCandles 单事务批量写入，键冲突时覆盖全部非键字段。
func (s *Store) UpsertCandles(ctx context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (source, inst_id, bar, ts, open, high, low, close, volume, volume_ccy, volume_quote, confirm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, inst_id, bar, ts) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    volume_ccy=excluded.volume_ccy,
		    volume_quote=excluded.volume_quote,
		    confirm=excluded.confirm`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Source, c.InstID, c.Bar, c.Ts,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(),
			c.Volume.String(), c.VolumeCcy.String(), c.VolumeQuote.String(),
			boolToInt(c.Confirm),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ExistingTimestamps 返回闭区间内已有的 ts（升序）。
func (s *Store) ExistingTimestamps(ctx context.Context, source, instID, bar string, start, end int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts FROM candles
		WHERE source = ? AND inst_id = ? AND bar = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC`, source, instID, bar, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *Store) LatestTimestamp(ctx context.Context, source, instID, bar string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(ts) FROM candles WHERE source = ? AND inst_id = ? AND bar = ?`,
		source, instID, bar)
	var ts sql.NullInt64
	if err := row.Scan(&ts); err != nil {
		return 0, false, err
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// FetchCandles 按升序返回；Limit > 0 时取区间内最新的 Limit 根
// （降序取出后反转）。
func (s *Store) FetchCandles(ctx context.Context, q store.CandleQuery) ([]market.Candle, error) {
	where := []string{"source = ?", "inst_id = ?", "bar = ?"}
	args := []any{q.Source, q.InstID, q.Bar}
	if q.StartTs > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.StartTs)
	}
	if q.EndTs > 0 {
		where = append(where, "ts <= ?")
		args = append(args, q.EndTs)
	}
	query := `SELECT source, inst_id, bar, ts, open, high, low, close, volume, volume_ccy, volume_quote, confirm
		FROM candles WHERE ` + strings.Join(where, " AND ")
	orderDesc := false
	if q.Limit > 0 {
		query += " ORDER BY ts DESC LIMIT ?"
		args = append(args, q.Limit)
		orderDesc = true
	} else {
		query += " ORDER BY ts ASC"
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if orderDesc {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}
	return list, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM candles WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertOrderBookSnapshot 每合约每秒保留一条，冲突时覆盖。
func (s *Store) UpsertOrderBookSnapshot(ctx context.Context, book market.OrderBook) error {
	bids, err := json.Marshal(book.Bids)
	if err != nil {
		return err
	}
	asks, err := json.Marshal(book.Asks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orderbook_snapshots (inst_id, ts_sec, ts_ms, depth, bids, asks)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(inst_id, ts_sec) DO UPDATE SET
		    ts_ms=excluded.ts_ms,
		    depth=excluded.depth,
		    bids=excluded.bids,
		    asks=excluded.asks`,
		book.InstID, book.Ts/1000, book.Ts, book.Depth, string(bids), string(asks))
	return err
}

func (s *Store) FetchOrderBookSnapshots(ctx context.Context, instID string, limit int) ([]market.OrderBook, error) {
	if limit <= 0 {
		limit = 60
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT inst_id, ts_ms, depth, bids, asks FROM orderbook_snapshots
		WHERE inst_id = ? ORDER BY ts_sec DESC LIMIT ?`, instID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.OrderBook
	for rows.Next() {
		var (
			book       market.OrderBook
			bids, asks string
		)
		if err := rows.Scan(&book.InstID, &book.Ts, &book.Depth, &bids, &asks); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bids), &book.Bids); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(asks), &book.Asks); err != nil {
			return nil, err
		}
		list = append(list, book)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}

func scanCandle(rows *sql.Rows) (market.Candle, error) {
	var (
		c       market.Candle
		confirm int
		open, high, low, closep, vol, volCcy, volQuote string
	)
	if err := rows.Scan(&c.Source, &c.InstID, &c.Bar, &c.Ts,
		&open, &high, &low, &closep, &vol, &volCcy, &volQuote, &confirm); err != nil {
		return market.Candle{}, err
	}
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = decimal.NewFromString(closep); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = decimal.NewFromString(vol); err != nil {
		return market.Candle{}, err
	}
	if c.VolumeCcy, err = decimal.NewFromString(volCcy); err != nil {
		return market.Candle{}, err
	}
	if c.VolumeQuote, err = decimal.NewFromString(volQuote); err != nil {
		return market.Candle{}, err
	}
	c.Confirm = confirm != 0
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
