package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"candled/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSource(url string) *Source {
	s := New(url)
	s.maxRetries = 2
	s.backoff = time.Millisecond
	return s
}

func TestCandlesParsesRows(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"code":"0","msg":"","data":[
			["120000","2","3","1","2.5","10","1000","1000","1"],
			["60000","1","2","0.5","1.5","20","2000","2000","0"],
			["0","1","1","1","1","5"]
		]}`))
	}))
	defer srv.Close()

	s := newTestSource(srv.URL)
	out, err := s.Candles(context.Background(), market.CandleRequest{
		InstID: "BTC-USDT", Bar: "1m", Limit: 3, Before: 180000, UseHistory: true,
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "/api/v5/market/history-candles", gotPath)
	assert.Contains(t, gotQuery, "after=180000")
	assert.Contains(t, gotQuery, "instId=BTC-USDT")

	assert.Equal(t, "okx", out[0].Source)
	assert.Equal(t, int64(120000), out[0].Ts)
	assert.True(t, out[0].Confirm)
	assert.False(t, out[1].Confirm)
	assert.Equal(t, "2.5", out[0].Close.String())
	// 短行：成交额字段缺省补零，confirm 缺省为 false。
	assert.True(t, out[2].VolumeCcy.IsZero())
	assert.False(t, out[2].Confirm)
}

func TestCandlesRejectsTooShortRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":[["0","1","2"]]}`))
	}))
	defer srv.Close()

	s := newTestSource(srv.URL)
	_, err := s.Candles(context.Background(), market.CandleRequest{InstID: "BTC-USDT", Bar: "1m"})
	assert.Error(t, err)
}

func TestAPIErrorRetriesThenSurfaces(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"code":"50011","msg":"rate limit","data":[]}`))
	}))
	defer srv.Close()

	s := newTestSource(srv.URL)
	_, err := s.Candles(context.Background(), market.CandleRequest{InstID: "BTC-USDT", Bar: "1m"})
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	if !ok {
		// 包装后的错误也要能追溯到业务错误码
		assert.Contains(t, err.Error(), "50011")
	} else {
		assert.Equal(t, "50011", apiErr.Code)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequestRecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"code":"0","data":[["60000","1","2","0.5","1.5","20","2000","2000","1"]]}`))
	}))
	defer srv.Close()

	s := newTestSource(srv.URL)
	out, err := s.Candles(context.Background(), market.CandleRequest{InstID: "BTC-USDT", Bar: "1m"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTickerAndOrderBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/market/ticker":
			w.Write([]byte(`{"code":"0","data":[{"instId":"BTC-USDT","last":"65000.5","ts":"1700000000000"}]}`))
		case "/api/v5/market/books":
			w.Write([]byte(`{"code":"0","data":[{"ts":"1700000000000",
				"bids":[["64999","1","0","1"],["64998","2","0","1"]],
				"asks":[["65001","1.5","0","1"]]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := newTestSource(srv.URL)
	ticker, err := s.Ticker(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, "65000.5", ticker.LastPrice.String())
	assert.Equal(t, int64(1700000000000), ticker.Ts)

	book, err := s.OrderBook(context.Background(), "BTC-USDT", 2)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, market.BookLevel{"64999", "1"}, book.Bids[0])
	require.Len(t, book.Asks, 1)
}

func TestBarMilliseconds(t *testing.T) {
	cases := []struct {
		bar  string
		want int64
		ok   bool
	}{
		{"1s", 1000, true},
		{"1m", 60000, true},
		{"15m", 900000, true},
		{"1H", 3600000, true},
		{"4H", 14400000, true},
		{"1D", 86400000, true},
		{"1W", 604800000, true},
		{"1M", 2592000000, true},
		{"3M", 7776000000, true},
		{"1h", 0, false}, // OKX 的小时是大写 H
		{"m", 0, false},
		{"0m", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.bar, func(t *testing.T) {
			got, err := barMilliseconds(tc.bar)
			if !tc.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
