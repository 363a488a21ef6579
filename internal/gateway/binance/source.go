package binance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candled/internal/market"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

const maxKlineLimit = 1000

// Source implements market.Source on top of the go-binance SDK (spot REST).
type Source struct {
	client *gobinance.Client
}

var _ market.Source = (*Source)(nil)

func New(baseURL string) *Source {
	client := gobinance.NewClient("", "")
	if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
		client.BaseURL = trimmed
	}
	return &Source{client: client}
}

func (s *Source) Name() string { return "binance" }

func (s *Source) BarMilliseconds(bar string) (int64, error) {
	return barMilliseconds(bar)
}

// Candles fetches klines newest-first. req.Before maps to an inclusive
// endTime of Before-1 so the page stays strictly older than the cursor.
func (s *Source) Candles(ctx context.Context, req market.CandleRequest) ([]market.Candle, error) {
	if req.InstID == "" || req.Bar == "" {
		return nil, fmt.Errorf("symbol/interval 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	svc := s.client.NewKlinesService().
		Symbol(req.InstID).
		Interval(req.Bar).
		Limit(limit)
	if req.Before > 0 {
		svc = svc.EndTime(req.Before - 1)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	out := make([]market.Candle, 0, len(kls))
	// Binance returns oldest-first; reverse to the newest-first contract.
	for i := len(kls) - 1; i >= 0; i-- {
		kl := kls[i]
		if kl == nil {
			continue
		}
		c, err := parseKline(req.InstID, req.Bar, kl, now)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Source) Ticker(ctx context.Context, instID string) (market.Ticker, error) {
	prices, err := s.client.NewListPricesService().Symbol(instID).Do(ctx)
	if err != nil {
		return market.Ticker{}, err
	}
	if len(prices) == 0 || prices[0] == nil {
		return market.Ticker{}, fmt.Errorf("binance ticker 响应为空: %s", instID)
	}
	last, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return market.Ticker{}, fmt.Errorf("解析 ticker price 失败: %w", err)
	}
	return market.Ticker{
		InstID:    instID,
		LastPrice: last,
		Ts:        time.Now().UnixMilli(),
	}, nil
}

func (s *Source) OrderBook(ctx context.Context, instID string, depth int) (market.OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}
	resp, err := s.client.NewDepthService().Symbol(instID).Limit(depth).Do(ctx)
	if err != nil {
		return market.OrderBook{}, err
	}
	book := market.OrderBook{
		InstID: instID,
		Depth:  depth,
		Ts:     time.Now().UnixMilli(),
	}
	for _, b := range resp.Bids {
		book.Bids = append(book.Bids, market.BookLevel{b.Price, b.Quantity})
	}
	for _, a := range resp.Asks {
		book.Asks = append(book.Asks, market.BookLevel{a.Price, a.Quantity})
	}
	return book, nil
}

func parseKline(instID, bar string, kl *gobinance.Kline, now int64) (market.Candle, error) {
	c := market.Candle{
		Source: "binance",
		InstID: instID,
		Bar:    bar,
		Ts:     kl.OpenTime,
		// 收盘时间已过即视为确认；最新一根进行中的 K 线会被反复覆盖。
		Confirm: kl.CloseTime <= now,
	}
	var err error
	if c.Open, err = decimal.NewFromString(kl.Open); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = decimal.NewFromString(kl.High); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = decimal.NewFromString(kl.Low); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = decimal.NewFromString(kl.Close); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = decimal.NewFromString(kl.Volume); err != nil {
		return market.Candle{}, err
	}
	if quote := strings.TrimSpace(kl.QuoteAssetVolume); quote != "" {
		d, err := decimal.NewFromString(quote)
		if err != nil {
			return market.Candle{}, err
		}
		c.VolumeCcy = d
		c.VolumeQuote = d
	}
	return c, nil
}
