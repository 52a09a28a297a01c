package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watch 监听配置文件变更，重新加载并校验通过后回调 onChange。
// 校验失败的变更只记录日志，不影响运行中的配置。
func Watch(path string, logger *zap.Logger, onChange func(*Config)) error {
	if onChange == nil {
		return fmt.Errorf("config: onChange 回调不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = defaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: 监听前读取配置失败: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}

		var cfg Config
		if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
			logger.Warn("配置热更新解析失败，保持原配置", zap.Error(err))
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Warn("配置热更新校验失败，保持原配置", zap.Error(err))
			return
		}

		logger.Info("配置热更新生效", zap.String("file", e.Name))
		onChange(&cfg)
	})
	v.WatchConfig()

	return nil
}
