package config

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath 覆盖默认配置文件位置。
	EnvConfigPath = "CANDLED_CONFIG"
	defaultPath   = "configs/config.yaml"
)

// ResolvePath 返回配置文件路径：环境变量优先，否则用仓库默认位置。
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultPath
}

// Load 读取并解析配置文件，补默认值后做校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
