package config

// Config 是进程的全部可配置项，从 yaml 反序列化得到。
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	DB      DBConfig      `mapstructure:"db"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Sources SourcesConfig `mapstructure:"sources"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"` // debug/info/warn/error
	LogPath  string `mapstructure:"log_path"`  // 为空只写 stdout
	HTTPAddr string `mapstructure:"http_addr"` // 为空关闭读取 API
}

type DBConfig struct {
	Path      string `mapstructure:"path"`
	AuditPath string `mapstructure:"audit_path"` // 为空时与 Path 同目录
}

type FetchConfig struct {
	IntervalSeconds      int     `mapstructure:"interval_seconds"`
	QPS                  float64 `mapstructure:"qps"`
	Limit                int     `mapstructure:"limit"`
	BackfillDaysPerCycle int     `mapstructure:"backfill_days_per_cycle"`
	RetentionMonths      int     `mapstructure:"retention_months"`
	OrderBookDepth       int     `mapstructure:"orderbook_depth"`
}

type SourcesConfig struct {
	OKX     SourceConfig `mapstructure:"okx"`
	Binance SourceConfig `mapstructure:"binance"`
}

// SourceConfig 单个数据源的采集范围与限流配置。
// Bars 的写法由各数据源自己的周期语法决定（OKX 用 1m/1H/1D，
// Binance 用 1m/1h/1d），装配阶段解析失败即启动失败。
type SourceConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	BaseURL     string   `mapstructure:"base_url"`
	InstIDs     []string `mapstructure:"inst_ids"`
	Bars        []string `mapstructure:"bars"`
	HistoryQPS  float64  `mapstructure:"history_qps"`
	RealtimeQPS float64  `mapstructure:"realtime_qps"`
}
