package okx

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candled/internal/logger"
	"candled/internal/market"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	defaultBaseURL = "https://www.okx.com"
	defaultTimeout = 10 * time.Second
	defaultRetries = 3
	defaultBackoff = 500 * time.Millisecond
	maxCandleLimit = 300
	pathCandles    = "/api/v5/market/candles"
	pathHistory    = "/api/v5/market/history-candles"
	pathTicker     = "/api/v5/market/ticker"
	pathBooks      = "/api/v5/market/books"
)

// APIError 表示 HTTP 200 但业务 code 非 0 的语义错误。
// 重试策略与网络错误一致，但日志里单独区分。
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error: code=%s msg=%s", e.Code, e.Msg)
}

// Source 是 OKX 公共行情 REST 适配器。
type Source struct {
	baseURL    string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

var _ market.Source = (*Source)(nil)

func New(baseURL string) *Source {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Source{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultRetries,
		backoff:    defaultBackoff,
	}
}

func (s *Source) Name() string { return "okx" }

func (s *Source) BarMilliseconds(bar string) (int64, error) {
	return barMilliseconds(bar)
}

// Candles 拉取 K 线，结果从新到旧。req.Before 映射到 OKX 的 after
// 分页参数（返回严格早于该时间戳的记录）。
func (s *Source) Candles(ctx context.Context, req market.CandleRequest) ([]market.Candle, error) {
	if req.InstID == "" || req.Bar == "" {
		return nil, fmt.Errorf("instId/bar 不能为空")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxCandleLimit {
		limit = maxCandleLimit
	}
	params := url.Values{}
	params.Set("instId", req.InstID)
	params.Set("bar", req.Bar)
	params.Set("limit", strconv.Itoa(limit))
	if req.Before > 0 {
		params.Set("after", strconv.FormatInt(req.Before, 10))
	}
	path := pathCandles
	if req.UseHistory {
		path = pathHistory
	}
	body, err := s.request(ctx, path, params)
	if err != nil {
		return nil, err
	}
	rows := gjson.GetBytes(body, "data").Array()
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandleRow(req.InstID, req.Bar, row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Source) Ticker(ctx context.Context, instID string) (market.Ticker, error) {
	params := url.Values{}
	params.Set("instId", instID)
	body, err := s.request(ctx, pathTicker, params)
	if err != nil {
		return market.Ticker{}, err
	}
	item := gjson.GetBytes(body, "data.0")
	if !item.Exists() {
		return market.Ticker{}, fmt.Errorf("okx ticker 响应为空: %s", instID)
	}
	last, err := decimal.NewFromString(item.Get("last").String())
	if err != nil {
		return market.Ticker{}, fmt.Errorf("解析 ticker last 失败: %w", err)
	}
	return market.Ticker{
		InstID:    instID,
		LastPrice: last,
		Ts:        item.Get("ts").Int(),
	}, nil
}

func (s *Source) OrderBook(ctx context.Context, instID string, depth int) (market.OrderBook, error) {
	if depth <= 0 {
		depth = 5
	}
	params := url.Values{}
	params.Set("instId", instID)
	params.Set("sz", strconv.Itoa(depth))
	body, err := s.request(ctx, pathBooks, params)
	if err != nil {
		return market.OrderBook{}, err
	}
	item := gjson.GetBytes(body, "data.0")
	if !item.Exists() {
		return market.OrderBook{}, fmt.Errorf("okx 盘口响应为空: %s", instID)
	}
	book := market.OrderBook{
		InstID: instID,
		Depth:  depth,
		Ts:     item.Get("ts").Int(),
		Bids:   parseBookSide(item.Get("bids")),
		Asks:   parseBookSide(item.Get("asks")),
	}
	return book, nil
}

// request 带指数退避重试的 GET。网络错误、429/5xx 与业务 code 非 0
// 都会重试，次数耗尽后把最后一次错误抛给调用方。
func (s *Source) request(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := s.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		body, err := s.doOnce(ctx, u)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if apiErr, ok := err.(*APIError); ok {
			logger.Warnf("[okx] 业务错误（第 %d/%d 次）: code=%s msg=%s", attempt, s.maxRetries, apiErr.Code, apiErr.Msg)
		} else {
			logger.Warnf("[okx] 请求失败（第 %d/%d 次）: %v", attempt, s.maxRetries, err)
		}
		if attempt >= s.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.backoffFor(attempt)):
		}
	}
	return nil, lastErr
}

func (s *Source) doOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("okx 返回状态码 %d", resp.StatusCode)
	}
	if code := gjson.GetBytes(body, "code").String(); code != "0" {
		return nil, &APIError{Code: code, Msg: gjson.GetBytes(body, "msg").String()}
	}
	return body, nil
}

func (s *Source) backoffFor(attempt int) time.Duration {
	base := s.backoff << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(s.backoff)))
	return base + jitter
}

// parseCandleRow 解析定长数组行 [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]，
// 尾部成交额字段允许缺省（补零）。
func parseCandleRow(instID, bar string, row gjson.Result) (market.Candle, error) {
	vals := row.Array()
	if len(vals) < 6 {
		return market.Candle{}, fmt.Errorf("okx K 线行字段不足: %s", row.Raw)
	}
	c := market.Candle{
		Source: "okx",
		InstID: instID,
		Bar:    bar,
		Ts:     vals[0].Int(),
	}
	var err error
	if c.Open, err = decimal.NewFromString(vals[1].String()); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = decimal.NewFromString(vals[2].String()); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = decimal.NewFromString(vals[3].String()); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = decimal.NewFromString(vals[4].String()); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = decimal.NewFromString(vals[5].String()); err != nil {
		return market.Candle{}, err
	}
	c.VolumeCcy = optionalDecimal(vals, 6)
	c.VolumeQuote = optionalDecimal(vals, 7)
	if len(vals) > 8 {
		c.Confirm = vals[8].String() == "1"
	}
	return c, nil
}

func optionalDecimal(vals []gjson.Result, idx int) decimal.Decimal {
	if idx >= len(vals) {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(vals[idx].String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseBookSide(side gjson.Result) []market.BookLevel {
	rows := side.Array()
	out := make([]market.BookLevel, 0, len(rows))
	for _, row := range rows {
		vals := row.Array()
		if len(vals) < 2 {
			continue
		}
		out = append(out, market.BookLevel{vals[0].String(), vals[1].String()})
	}
	return out
}
