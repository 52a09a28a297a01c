package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/account"
	"order-engine/internal/breaker"
	"order-engine/internal/config"
	"order-engine/internal/event"
	"order-engine/internal/executor"
	"order-engine/internal/journal"
	"order-engine/internal/metrics"
	"order-engine/internal/nonce"
	"order-engine/internal/ratelimit"
	"order-engine/internal/store"
)

// App 聚合核心依赖并驱动执行引擎的生命周期。
type App struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	store      *store.Store
}

// New 创建 App 实例。configPath 用于配置热更新监听，可为空。
func New(cfg *config.Config, configPath string, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      store,
	}
}

// Run 组装全部组件并阻塞直至 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Int("exchanges", len(a.cfg.Exchanges)),
	)

	bus := event.NewBus(a.logger)

	journalSvc, err := journal.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化事件日志失败: %w", err)
	}
	bus.Subscribe(journalSvc.HandleEvent)

	collector := metrics.NewCollector()
	bus.Subscribe(collector.HandleEvent)

	limits := ratelimit.NewManager(
		a.cfg.RateLimit.InitialWait,
		a.cfg.RateLimit.MaxWait,
		a.cfg.RateLimit.BackoffMultiplier,
		a.logger,
	)
	nonces := nonce.NewManager(a.cfg.Nonce.ConflictStep, a.logger)
	accounts := account.NewManager(a.cfg.Accounts.MaxConcurrentPerAccount, a.logger)

	var breakers *breaker.Manager
	if a.cfg.Breaker.Enabled {
		breakers = breaker.NewManager(breakerConfig(a.cfg.Breaker), a.logger, func(name string, from, to breaker.State) {
			bus.Publish(event.Event{
				Type: event.TypeBreakerStateChange,
				Payload: event.BreakerPayload{
					Name: name,
					From: from.String(),
					To:   to.String(),
				},
			})
		})
	}

	exec := executor.New(executorConfig(a.cfg.Execution), limits, nonces, accounts, bus, a.logger)
	defer exec.Stop()

	for _, exCfg := range a.cfg.Exchanges {
		adapter, buildErr := newExchangeAdapter(exCfg, a.logger.Named(exCfg.Name))
		if buildErr != nil {
			return buildErr
		}
		if breakers != nil {
			adapter = newGuardedAdapter(exCfg.Name, adapter, breakers)
		}
		exec.RegisterExchange(ctx, exCfg.Name, adapter, exCfg.AccountID)
		a.logger.Info("已注册交易所",
			zap.String("exchange", exCfg.Name),
			zap.Bool("sandbox", exCfg.UseSandbox),
		)
	}

	if a.configPath != "" {
		watchErr := config.Watch(a.configPath, a.logger, func(next *config.Config) {
			exec.SetConfig(executorConfig(next.Execution))
			a.logger.Info("执行参数已热更新")
		})
		if watchErr != nil {
			a.logger.Warn("启动配置热更新失败", zap.Error(watchErr))
		}
	}

	if a.cfg.Monitor.Enabled {
		srvErr := startMonitorServer(ctx, monitorDeps{
			executor: exec,
			journal:  journalSvc,
			breakers: breakers,
			metrics:  collector,
		}, a.cfg.Monitor.Port, a.logger)
		if srvErr != nil {
			return srvErr
		}
	}

	go a.cleanupLoop(ctx, accounts)

	<-ctx.Done()
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", ctxErr)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// cleanupLoop 周期性回收长期空闲的账户队列。
func (a *App) cleanupLoop(ctx context.Context, accounts *account.Manager) {
	interval := a.cfg.Accounts.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts.CleanupIdle(a.cfg.Accounts.IdleThreshold)
		}
	}
}

func executorConfig(cfg config.ExecutionConfig) executor.Config {
	return executor.Config{
		UnfillTimeout:       cfg.UnfillTimeout,
		CheckInterval:       cfg.CheckInterval,
		MaxResubmitAttempts: cfg.MaxResubmitAttempts,
		PriceSlippage:       cfg.PriceSlippage,
		MakerPriceOffset:    cfg.MakerPriceOffset,
	}
}

func breakerConfig(cfg config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:   cfg.FailureThreshold,
		SuccessThreshold:   cfg.SuccessThreshold,
		Timeout:            cfg.Timeout,
		HalfOpenMaxCalls:   cfg.HalfOpenMaxCalls,
		VolumeThreshold:    cfg.VolumeThreshold,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		WindowSize:         cfg.WindowSize,
		BucketSize:         cfg.BucketSize,
	}
}
