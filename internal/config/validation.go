package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。周期语法是否合法由各数据源适配器
// 在装配阶段判定，这里只管结构完整性。
func validate(c *Config) error {
	if err := c.Fetch.validate(); err != nil {
		return err
	}
	if !c.Sources.OKX.Enabled && !c.Sources.Binance.Enabled {
		return fmt.Errorf("sources 至少要启用一个数据源")
	}
	if err := c.Sources.OKX.validate("okx"); err != nil {
		return err
	}
	return c.Sources.Binance.validate("binance")
}

func (f *FetchConfig) validate() error {
	if f.IntervalSeconds < 1 {
		return fmt.Errorf("fetch.interval_seconds must be >= 1")
	}
	if f.QPS <= 0 {
		return fmt.Errorf("fetch.qps must be > 0")
	}
	if f.Limit < 1 || f.Limit > 1000 {
		return fmt.Errorf("fetch.limit must be in [1,1000]")
	}
	if f.BackfillDaysPerCycle < 0 {
		return fmt.Errorf("fetch.backfill_days_per_cycle must be >= 0")
	}
	if f.OrderBookDepth < 1 || f.OrderBookDepth > 400 {
		return fmt.Errorf("fetch.orderbook_depth must be in [1,400]")
	}
	return nil
}

func (s *SourceConfig) validate(name string) error {
	if !s.Enabled {
		return nil
	}
	if len(s.InstIDs) == 0 {
		return fmt.Errorf("sources.%s.inst_ids requires at least one instrument", name)
	}
	if len(s.Bars) == 0 {
		return fmt.Errorf("sources.%s.bars requires at least one interval", name)
	}
	for _, inst := range s.InstIDs {
		if strings.TrimSpace(inst) == "" {
			return fmt.Errorf("sources.%s.inst_ids contains empty entry", name)
		}
	}
	for _, bar := range s.Bars {
		if strings.TrimSpace(bar) == "" {
			return fmt.Errorf("sources.%s.bars contains empty entry", name)
		}
	}
	return nil
}
