package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"candled/internal/market"
	"candled/internal/store"
	"candled/internal/store/auditlog"
)

// Server 提供只读查询接口与 K 线图页面。写路径完全归调度循环，
// 这里只消费已落库的数据和数据源的公共行情。
type Server struct {
	addr    string
	store   store.CandleStore
	audit   *auditlog.Log
	sources map[string]market.Source
	router  *gin.Engine
}

type Config struct {
	Addr    string
	Store   store.CandleStore
	Audit   *auditlog.Log
	Sources []market.Source
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:    cfg.Addr,
		store:   cfg.Store,
		audit:   cfg.Audit,
		sources: make(map[string]market.Source, len(cfg.Sources)),
		router:  router,
	}
	for _, src := range cfg.Sources {
		s.sources[src.Name()] = src
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/candles", s.handleCandles)
	api.GET("/ticker", s.handleTicker)
	api.GET("/orderbook", s.handleOrderBook)
	api.GET("/orderbook/history", s.handleOrderBookHistory)
	api.GET("/backfills", s.handleBackfills)
	s.router.GET("/chart", s.handleChart)
}

// Start 阻塞运行 HTTP 服务，ctx 结束时优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// candleParams 解析并校验 K 线查询参数；周期写法必须能被对应
// 数据源的语法解析，否则 400。
func (s *Server) candleParams(c *gin.Context) (store.CandleQuery, bool) {
	q := store.CandleQuery{
		Source: c.Query("source"),
		InstID: c.Query("inst_id"),
		Bar:    c.Query("bar"),
	}
	src, ok := s.sources[q.Source]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown source: %s", q.Source)})
		return q, false
	}
	if q.InstID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "inst_id is required"})
		return q, false
	}
	if _, err := src.BarMilliseconds(q.Bar); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return q, false
	}
	q.Limit = intQuery(c, "limit", 100)
	q.StartTs = int64Query(c, "start_ts")
	q.EndTs = int64Query(c, "end_ts")
	return q, true
}

func (s *Server) handleCandles(c *gin.Context) {
	q, ok := s.candleParams(c)
	if !ok {
		return
	}
	candles, err := s.store.FetchCandles(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles, "count": len(candles)})
}

func (s *Server) handleTicker(c *gin.Context) {
	src, ok := s.sources[c.Query("source")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown source: %s", c.Query("source"))})
		return
	}
	ticker, err := src.Ticker(c.Request.Context(), c.Query("inst_id"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ticker)
}

func (s *Server) handleOrderBook(c *gin.Context) {
	src, ok := s.sources[c.Query("source")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown source: %s", c.Query("source"))})
		return
	}
	book, err := src.OrderBook(c.Request.Context(), c.Query("inst_id"), intQuery(c, "depth", 5))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleOrderBookHistory(c *gin.Context) {
	instID := c.Query("inst_id")
	if instID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "inst_id is required"})
		return
	}
	books, err := s.store.FetchOrderBookSnapshots(c.Request.Context(), instID, intQuery(c, "limit", 30))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": books, "count": len(books)})
}

func (s *Server) handleBackfills(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, gin.H{"runs": []auditlog.BackfillRecord{}})
		return
	}
	runs, err := s.audit.ListRecent(c.Request.Context(), intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func int64Query(c *gin.Context, key string) int64 {
	n, err := strconv.ParseInt(c.Query(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
