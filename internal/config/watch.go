package config

import (
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"candled/internal/logger"
)

// WatchLogLevel 监听配置文件变化，只热更新日志级别；其余字段改动
// 仍需重启生效。apply 回调拿到的是小写的 level 字符串。
func WatchLogLevel(path string, apply func(level string)) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	last := strings.ToLower(v.GetString("app.log_level"))
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := v.ReadInConfig(); err != nil {
			logger.Warnf("[config] 重新读取配置失败 (%s): %v", e.Name, err)
			return
		}
		level := strings.ToLower(v.GetString("app.log_level"))
		if level == "" || level == last {
			return
		}
		last = level
		logger.Infof("[config] 日志级别切换为 %s", level)
		apply(level)
	})
	v.WatchConfig()
	return nil
}
