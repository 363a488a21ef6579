package config

// applyDefaults 给未设置的字段补默认值。数值零值与「未设置」不作区分，
// 想显式关闭某项的用 -1（例如 retention_months: -1 关闭清理）。
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = "data/candles.db"
	}
	if c.Fetch.IntervalSeconds == 0 {
		c.Fetch.IntervalSeconds = 15
	}
	if c.Fetch.QPS == 0 {
		c.Fetch.QPS = 10
	}
	if c.Fetch.Limit == 0 {
		c.Fetch.Limit = 300
	}
	if c.Fetch.BackfillDaysPerCycle == 0 {
		c.Fetch.BackfillDaysPerCycle = 3
	}
	if c.Fetch.RetentionMonths == 0 {
		c.Fetch.RetentionMonths = 1
	}
	if c.Fetch.OrderBookDepth == 0 {
		c.Fetch.OrderBookDepth = 5
	}
	c.Sources.OKX.applyDefaults()
	c.Sources.Binance.applyDefaults()
}

func (s *SourceConfig) applyDefaults() {
	if s.HistoryQPS == 0 {
		s.HistoryQPS = 10
	}
	// 实时轮询刻意限得很低：每拍只取最新 1 根，历史配额留给回补。
	if s.RealtimeQPS == 0 {
		s.RealtimeQPS = 1
	}
}
