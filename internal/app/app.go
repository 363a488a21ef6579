package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"candled/internal/candles"
	"candled/internal/config"
	"candled/internal/fetcher"
	"candled/internal/gateway/binance"
	"candled/internal/gateway/okx"
	"candled/internal/logger"
	"candled/internal/market"
	"candled/internal/store"
	"candled/internal/store/auditlog"
	sqlitestore "candled/internal/store/sqlite"
	httpapi "candled/internal/transport/http"
)

// App 负责应用级编排：配置 → 存储 → 数据源 → 调度循环与查询接口。
type App struct {
	cfg     *config.Config
	store   store.CandleStore
	audit   *auditlog.Log
	fetcher *fetcher.Fetcher
	http    *httpapi.Server
}

// NewApp 根据配置构建应用对象（不启动）。周期写法在这里逐个解析，
// 任何一个不合法都直接失败。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := sqlitestore.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}
	if err := st.Init(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("K 线库迁移失败: %w", err)
	}

	auditPath := cfg.DB.AuditPath
	if auditPath == "" {
		auditPath = filepath.Join(filepath.Dir(cfg.DB.Path), "audit.db")
	}
	audit, err := auditlog.New(auditPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("初始化审计库失败: %w", err)
	}

	a := &App{cfg: cfg, store: st, audit: audit}

	var sources []market.Source
	var pairs []fetcher.Pair
	var books []fetcher.BookTarget
	wireSource := func(src market.Source, sc config.SourceConfig) error {
		if !sc.Enabled {
			return nil
		}
		sources = append(sources, src)
		for _, bar := range sc.Bars {
			svc, err := candles.New(src, st, bar, cfg.Fetch.Limit, sc.HistoryQPS, sc.RealtimeQPS)
			if err != nil {
				return fmt.Errorf("sources.%s: %w", src.Name(), err)
			}
			for _, inst := range sc.InstIDs {
				pairs = append(pairs, fetcher.Pair{Service: svc, InstID: inst})
			}
		}
		for _, inst := range sc.InstIDs {
			books = append(books, fetcher.BookTarget{
				Source: src,
				InstID: inst,
				Depth:  cfg.Fetch.OrderBookDepth,
			})
		}
		return nil
	}
	if err := wireSource(okx.New(cfg.Sources.OKX.BaseURL), cfg.Sources.OKX); err != nil {
		a.Close()
		return nil, err
	}
	if err := wireSource(binance.New(cfg.Sources.Binance.BaseURL), cfg.Sources.Binance); err != nil {
		a.Close()
		return nil, err
	}

	a.fetcher = fetcher.New(st, audit, pairs, books, fetcher.Options{
		Interval:         time.Duration(cfg.Fetch.IntervalSeconds) * time.Second,
		QPS:              cfg.Fetch.QPS,
		BackfillPerCycle: cfg.Fetch.BackfillDaysPerCycle,
		RetentionMonths:  cfg.Fetch.RetentionMonths,
	})

	if cfg.App.HTTPAddr != "" {
		srv, err := httpapi.NewServer(httpapi.Config{
			Addr:    cfg.App.HTTPAddr,
			Store:   st,
			Audit:   audit,
			Sources: sources,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.http = srv
	}
	logger.Infof("✓ 装配完成：%d 个交易对，HTTP=%s", len(pairs), cfg.App.HTTPAddr)
	return a, nil
}

// Run 启动调度循环与查询接口，任一退出（或 ctx 结束）即整体收尾。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.fetcher == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.fetcher.Run(ctx)
	})
	err := group.Wait()
	a.Close()
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
