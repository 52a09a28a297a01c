package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了执行引擎运行所需的全部配置项。
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Execution ExecutionConfig  `mapstructure:"execution"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Nonce     NonceConfig      `mapstructure:"nonce"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Accounts  AccountsConfig   `mapstructure:"accounts"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Monitor   MonitorConfig    `mapstructure:"monitor"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述单个交易所的连接信息。
type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	AccountID  string `mapstructure:"account_id"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
	Wallet     string `mapstructure:"wallet_address"`
	PrivateKey string `mapstructure:"private_key"`
}

// ExecutionConfig 控制限价单执行行为。
type ExecutionConfig struct {
	UnfillTimeout       time.Duration `mapstructure:"unfill_timeout"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	MaxResubmitAttempts int           `mapstructure:"max_resubmit_attempts"`
	PriceSlippage       float64       `mapstructure:"price_slippage"`
	MakerPriceOffset    float64       `mapstructure:"maker_price_offset"`
}

// RateLimitConfig 控制限流退避。
type RateLimitConfig struct {
	InitialWait       time.Duration `mapstructure:"initial_wait"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// NonceConfig 控制 nonce 冲突处理。
type NonceConfig struct {
	ConflictStep time.Duration `mapstructure:"conflict_step"`
}

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	SuccessThreshold   int           `mapstructure:"success_threshold"`
	Timeout            time.Duration `mapstructure:"timeout"`
	HalfOpenMaxCalls   int           `mapstructure:"half_open_max_calls"`
	VolumeThreshold    int           `mapstructure:"volume_threshold"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold"`
	WindowSize         time.Duration `mapstructure:"window_size"`
	BucketSize         time.Duration `mapstructure:"bucket_size"`
}

// AccountsConfig 控制账户并发与空闲回收。
type AccountsConfig struct {
	MaxConcurrentPerAccount int           `mapstructure:"max_concurrent_per_account"`
	IdleThreshold           time.Duration `mapstructure:"idle_threshold"`
	CleanupInterval         time.Duration `mapstructure:"cleanup_interval"`
}

// DatabaseConfig 管理事件日志数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// MonitorConfig 控制监控 HTTP 服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if len(c.Exchanges) == 0 {
		err = multierr.Append(err, errors.New("exchanges 至少需要配置一个交易所"))
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			err = multierr.Append(err, fmt.Errorf("exchanges[%d].name 不能为空", i))
		}
	}
	if c.Execution.UnfillTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.unfill_timeout 必须大于0"))
	}
	if c.Execution.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("execution.check_interval 必须大于0"))
	}
	if c.Execution.CheckInterval > c.Execution.UnfillTimeout {
		err = multierr.Append(err, errors.New("execution.check_interval 不能大于 unfill_timeout"))
	}
	if c.Execution.MaxResubmitAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.max_resubmit_attempts 必须大于0"))
	}
	if c.Execution.PriceSlippage < 0 || c.Execution.PriceSlippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.price_slippage 应位于[0,0.2]"))
	}
	if c.Execution.MakerPriceOffset < 0 || c.Execution.MakerPriceOffset > 0.1 {
		err = multierr.Append(err, errors.New("execution.maker_price_offset 应位于[0,0.1]"))
	}
	if c.RateLimit.InitialWait <= 0 || c.RateLimit.MaxWait <= 0 {
		err = multierr.Append(err, errors.New("rate_limit.wait 必须为正"))
	}
	if c.RateLimit.InitialWait > c.RateLimit.MaxWait {
		err = multierr.Append(err, errors.New("rate_limit.initial_wait 不能大于 max_wait"))
	}
	if c.RateLimit.BackoffMultiplier < 1 {
		err = multierr.Append(err, errors.New("rate_limit.backoff_multiplier 不能小于1"))
	}
	if c.Nonce.ConflictStep <= 0 {
		err = multierr.Append(err, errors.New("nonce.conflict_step 必须大于0"))
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold <= 0 {
			err = multierr.Append(err, errors.New("breaker.failure_threshold 必须大于0"))
		}
		if c.Breaker.SuccessThreshold <= 0 {
			err = multierr.Append(err, errors.New("breaker.success_threshold 必须大于0"))
		}
		if c.Breaker.Timeout <= 0 {
			err = multierr.Append(err, errors.New("breaker.timeout 必须大于0"))
		}
		if c.Breaker.HalfOpenMaxCalls <= 0 {
			err = multierr.Append(err, errors.New("breaker.half_open_max_calls 必须大于0"))
		}
		if c.Breaker.ErrorRateThreshold <= 0 || c.Breaker.ErrorRateThreshold > 1 {
			err = multierr.Append(err, errors.New("breaker.error_rate_threshold 必须位于(0,1]"))
		}
		if c.Breaker.BucketSize <= 0 || c.Breaker.WindowSize <= 0 {
			err = multierr.Append(err, errors.New("breaker.window 必须为正"))
		}
		if c.Breaker.BucketSize > c.Breaker.WindowSize {
			err = multierr.Append(err, errors.New("breaker.bucket_size 不能大于 window_size"))
		}
	}
	if c.Accounts.MaxConcurrentPerAccount <= 0 {
		err = multierr.Append(err, errors.New("accounts.max_concurrent_per_account 必须大于0"))
	}
	if c.Accounts.IdleThreshold <= 0 {
		err = multierr.Append(err, errors.New("accounts.idle_threshold 必须大于0"))
	}
	if c.Accounts.CleanupInterval <= 0 {
		err = multierr.Append(err, errors.New("accounts.cleanup_interval 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}
