package market

import "github.com/shopspring/decimal"

// Candle 是跨数据源统一的 K 线表示，键为 (Source, InstID, Bar, Ts)。
// Ts 为该周期开盘时刻的 UTC 毫秒时间戳。
type Candle struct {
	Source      string          `json:"source"`
	InstID      string          `json:"inst_id"`
	Bar         string          `json:"bar"`
	Ts          int64           `json:"ts"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	VolumeCcy   decimal.Decimal `json:"volume_ccy"`
	VolumeQuote decimal.Decimal `json:"volume_quote"`
	// Confirm 表示该周期是否已经收盘；未收盘的最新 K 线会被反复覆盖直到确认。
	Confirm bool `json:"confirm"`
}

// Ticker 最新成交行情。
type Ticker struct {
	InstID    string          `json:"inst_id"`
	LastPrice decimal.Decimal `json:"last_price"`
	Ts        int64           `json:"ts"`
}

// BookLevel 盘口单档，价格与数量以字符串保留精度。
type BookLevel [2]string

// OrderBook 某一时刻的盘口快照。
type OrderBook struct {
	InstID string      `json:"inst_id"`
	Ts     int64       `json:"ts"`
	Depth  int         `json:"depth"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
}
