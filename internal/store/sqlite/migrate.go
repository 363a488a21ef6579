package sqlite

import (
	"context"
	"database/sql"

	"candled/internal/logger"
)

// legacySourceValue 是老表迁移时为既有行补写的数据源标识。
// 早期版本只抓取单一交易所，表里没有 source 列。
const legacySourceValue = "okx"

// migrate 将缺少 source 列的老 candles 表重建为新结构。
// 新表建好、数据搬完后原子改名覆盖，整个过程在一个事务里，
// 中途崩溃不会丢数据；重复执行为 no-op。
func (s *Store) migrate(ctx context.Context) error {
	legacy, err := s.hasLegacyCandlesTable(ctx)
	if err != nil {
		return err
	}
	if !legacy {
		return nil
	}
	logger.Infof("检测到缺少 source 列的 candles 老表，开始重建迁移（默认 source=%s）", legacySourceValue)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE candles_migrated (
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
		`INSERT INTO candles_migrated (source, inst_id, bar, ts, open, high, low, close, volume, volume_ccy, volume_quote, confirm)
		 SELECT '` + legacySourceValue + `', inst_id, bar, ts, open, high, low, close, volume, volume_ccy, volume_quote, confirm
		 FROM candles;`,
		`DROP TABLE candles;`,
		`ALTER TABLE candles_migrated RENAME TO candles;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Infof("candles 表迁移完成")
	return nil
}

// hasLegacyCandlesTable 判断是否存在无 source 列的 candles 表。
func (s *Store) hasLegacyCandlesTable(ctx context.Context) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'candles'`)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(candles)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			col, typ  string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if col == "source" {
			return false, nil
		}
	}
	return true, rows.Err()
}
