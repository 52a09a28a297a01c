package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "engine"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("execution.unfill_timeout", "30s")
	v.SetDefault("execution.check_interval", "2s")
	v.SetDefault("execution.max_resubmit_attempts", 3)
	v.SetDefault("execution.price_slippage", 0.001)
	v.SetDefault("execution.maker_price_offset", 0.0001)

	v.SetDefault("rate_limit.initial_wait", "1s")
	v.SetDefault("rate_limit.max_wait", "1m")
	v.SetDefault("rate_limit.backoff_multiplier", 2.0)

	v.SetDefault("nonce.conflict_step", "1s")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.half_open_max_calls", 3)
	v.SetDefault("breaker.volume_threshold", 10)
	v.SetDefault("breaker.error_rate_threshold", 0.5)
	v.SetDefault("breaker.window_size", "1m")
	v.SetDefault("breaker.bucket_size", "10s")

	v.SetDefault("accounts.max_concurrent_per_account", 3)
	v.SetDefault("accounts.idle_threshold", "30m")
	v.SetDefault("accounts.cleanup_interval", "5m")

	v.SetDefault("database.path", "data/order_engine.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8086)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
