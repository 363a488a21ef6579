package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BackfillRecord 记录一次日桶回补的结果，供运维侧追溯数据补齐进度。
type BackfillRecord struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	InstID       string         `json:"inst_id"`
	Bar          string         `json:"bar"`
	DayStart     int64          `json:"day_start"`
	MissingCount int            `json:"missing_count"`
	FirstMissing int64          `json:"first_missing"`
	LastMissing  int64          `json:"last_missing"`
	Fetched      int            `json:"fetched"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type backfillRunModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	RunID         string         `gorm:"column:run_id;index"`
	Source        string         `gorm:"column:source;index"`
	InstID        string         `gorm:"column:inst_id;index"`
	Bar           string         `gorm:"column:bar"`
	DayStart      int64          `gorm:"column:day_start;index"`
	MissingCount  int            `gorm:"column:missing_count"`
	FirstMissing  int64          `gorm:"column:first_missing"`
	LastMissing   int64          `gorm:"column:last_missing"`
	Fetched       int            `gorm:"column:fetched"`
	Detail        datatypes.JSON `gorm:"column:detail"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (backfillRunModel) TableName() string { return "backfill_runs" }

// Log 是基于 Gorm + SQLite 的回补审计日志。
type Log struct {
	db *gorm.DB
}

func New(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("审计日志路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&backfillRunModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append 写入一条回补记录；ID 为空时自动生成。
func (l *Log) Append(ctx context.Context, rec BackfillRecord) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("audit log 未初始化")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	detail, _ := json.Marshal(rec.Detail)
	model := backfillRunModel{
		RunID:         rec.ID,
		Source:        strings.TrimSpace(rec.Source),
		InstID:        strings.TrimSpace(rec.InstID),
		Bar:           strings.TrimSpace(rec.Bar),
		DayStart:      rec.DayStart,
		MissingCount:  rec.MissingCount,
		FirstMissing:  rec.FirstMissing,
		LastMissing:   rec.LastMissing,
		Fetched:       rec.Fetched,
		Detail:        datatypes.JSON(detail),
		CreatedAtUnix: rec.CreatedAt.UnixMilli(),
	}
	return l.db.WithContext(ctx).Create(&model).Error
}

// ListRecent 返回最近 limit 条回补记录（新到旧）。
func (l *Log) ListRecent(ctx context.Context, limit int) ([]BackfillRecord, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("audit log 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []backfillRunModel
	if err := l.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]BackfillRecord, 0, len(models))
	for _, m := range models {
		rec := BackfillRecord{
			ID:           m.RunID,
			Source:       m.Source,
			InstID:       m.InstID,
			Bar:          m.Bar,
			DayStart:     m.DayStart,
			MissingCount: m.MissingCount,
			FirstMissing: m.FirstMissing,
			LastMissing:  m.LastMissing,
			Fetched:      m.Fetched,
			CreatedAt:    time.UnixMilli(m.CreatedAtUnix),
		}
		if len(m.Detail) > 0 {
			_ = json.Unmarshal(m.Detail, &rec.Detail)
		}
		out = append(out, rec)
	}
	return out, nil
}
