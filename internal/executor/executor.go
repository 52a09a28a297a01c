package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-engine/internal/account"
	"order-engine/internal/event"
	"order-engine/internal/exchange"
	"order-engine/internal/nonce"
	"order-engine/internal/ratelimit"
)

// Executor 是智能订单执行引擎：把期望的交易转化为确认的成交，
// 处理限价单不成交、交易所限流、nonce 冲突与交易所侧故障。
// 同一 clientOrderId 的全部操作严格串行；不同订单经账户队列交错推进。
type Executor struct {
	cfgMu sync.RWMutex
	cfg   Config

	mu             sync.Mutex
	adapters       map[string]exchange.Adapter
	defaultAccount map[string]string
	active         map[string]*OrderInfo
	stats          Stats
	seq            int64
	running        bool
	stopCh         chan struct{}

	limits   *ratelimit.Manager
	nonces   *nonce.Manager
	accounts *account.Manager
	bus      *event.Bus
	logger   *zap.Logger
}

// New 创建执行引擎。
func New(cfg Config, limits *ratelimit.Manager, nonces *nonce.Manager, accounts *account.Manager, bus *event.Bus, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	return &Executor{
		cfg:            cfg.withDefaults(),
		adapters:       make(map[string]exchange.Adapter),
		defaultAccount: make(map[string]string),
		active:         make(map[string]*OrderInfo),
		running:        true,
		stopCh:         make(chan struct{}),
		limits:         limits,
		nonces:         nonces,
		accounts:       accounts,
		bus:            bus,
		logger:         logger,
	}
}

// RegisterExchange 注册交易所适配器，并尽力以服务器时间初始化时钟校正。
// defaultAccountID 为该交易所下单时的默认账户，空串时退化为 exchangeID。
func (e *Executor) RegisterExchange(ctx context.Context, exchangeID string, adapter exchange.Adapter, defaultAccountID string) {
	if defaultAccountID == "" {
		defaultAccountID = exchangeID
	}
	e.mu.Lock()
	e.adapters[exchangeID] = adapter
	e.defaultAccount[exchangeID] = defaultAccountID
	e.mu.Unlock()

	if serverMs, err := adapter.FetchTime(ctx); err == nil && serverMs > 0 {
		e.nonces.UpdateOffset(exchangeID, serverMs)
	} else if err != nil {
		e.logger.Debug("获取交易所服务器时间失败，跳过时钟校正",
			zap.String("exchange", exchangeID),
			zap.Error(err),
		)
	}
}

// SetConfig 热更新执行参数，对后续订单生效。
func (e *Executor) SetConfig(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
}

func (e *Executor) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Stop 停止执行引擎：清空 running 标志并唤醒全部监控循环。
// 在途的交易所调用不会被强行中断。
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.logger.Info("执行引擎已停止")
}

func (e *Executor) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) accountFor(exchangeID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.defaultAccount[exchangeID]; ok && id != "" {
		return id
	}
	return exchangeID
}

func (e *Executor) adapter(exchangeID string) (exchange.Adapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.adapters[exchangeID]
	return a, ok
}

func (e *Executor) nextClientOrderID() string {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()
	return fmt.Sprintf("oe-%d-%d", time.Now().UnixMilli(), seq)
}

// ExecuteSmartLimitOrder 执行智能限价单：提交后轮询成交，超时则
// 撤单、按追价算法调整价格后重新提交，直至成交或预算耗尽。
func (e *Executor) ExecuteSmartLimitOrder(ctx context.Context, params OrderParams) (Result, error) {
	if !e.isRunning() {
		return Result{}, ErrStopped
	}

	adapter, ok := e.adapter(params.ExchangeID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrExchangeNotFound, params.ExchangeID)
	}
	if params.AccountID == "" {
		params.AccountID = e.accountFor(params.ExchangeID)
	}

	info := e.registerOrder(params, "limit")

	var res Result
	err := e.accounts.Execute(ctx, params.AccountID, func(ctx context.Context) error {
		r, runErr := e.runLimitOrder(ctx, adapter, info)
		res = r
		return runErr
	})
	if err != nil {
		// 被调用方主动撤销的订单已在 CancelOrder 中计入统计并移除。
		if !errors.Is(err, ErrOrderCanceled) {
			e.finalizeFailed(info, err)
		}
		return Result{}, err
	}

	e.finalizeFilled(info)
	return res, nil
}

// ExecuteMarketOrder 执行市价单：仅提交一次，假定立即成交或原子失败。
func (e *Executor) ExecuteMarketOrder(ctx context.Context, params OrderParams) (Result, error) {
	if !e.isRunning() {
		return Result{}, ErrStopped
	}

	adapter, ok := e.adapter(params.ExchangeID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrExchangeNotFound, params.ExchangeID)
	}
	if params.AccountID == "" {
		params.AccountID = e.accountFor(params.ExchangeID)
	}

	info := e.registerOrder(params, "market")

	var res Result
	err := e.accounts.Execute(ctx, params.AccountID, func(ctx context.Context) error {
		if e.limits.IsLimited(info.ExchangeID) {
			if waitErr := e.limits.Wait(ctx, info.ExchangeID); waitErr != nil {
				return waitErr
			}
		}

		order, submitErr := adapter.CreateOrder(ctx, info.Symbol, "market", string(info.Side), info.Amount, 0, e.buildParams(info))
		if submitErr != nil {
			if exchange.Classify(submitErr) == exchange.ClassRateLimit {
				e.recordRateLimitHit(info.ExchangeID, submitErr)
			}
			return submitErr
		}

		e.limits.Clear(info.ExchangeID)
		filled := order.Filled
		if filled <= 0 {
			filled = info.Amount
		}
		e.markSubmitted(info, order)
		e.updateFilled(info, filled)

		res = e.buildResult(info)
		return nil
	})
	if err != nil {
		e.finalizeFailed(info, err)
		return Result{}, err
	}

	e.finalizeFilled(info)
	return res, nil
}

// runLimitOrder 运行提交→监控→撤单→重提的尝试循环。
// 限流与 nonce 冲突在提交内部恢复，不消耗重试预算；
// 其余错误与超时未成交各消耗一次预算。
func (e *Executor) runLimitOrder(ctx context.Context, adapter exchange.Adapter, info *OrderInfo) (Result, error) {
	cfg := e.config()
	price := info.Price
	var lastErr error

	for attempt := 0; attempt < cfg.MaxResubmitAttempts; attempt++ {
		if !e.isRunning() {
			return Result{}, ErrStopped
		}
		if !e.isActive(info.ClientOrderID) {
			return Result{}, ErrOrderCanceled
		}

		order, err := e.submitWithRecovery(ctx, adapter, info, price)
		if err != nil {
			if isAbort(err) {
				return Result{}, err
			}
			lastErr = err
			e.logger.Warn("限价单提交失败，消耗一次重试预算",
				zap.String("client_order_id", info.ClientOrderID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		e.limits.Clear(info.ExchangeID)
		if orphaned := e.markSubmitted(info, order); orphaned {
			// 外部撤单与提交竞态：撤单方未见到这笔刚创建的交易所订单，
			// 必须在此就地撤掉，否则它会无人跟踪地挂在场内。
			e.cancelBestEffort(ctx, adapter, info)
			return Result{}, ErrOrderCanceled
		}

		filled, monErr := e.monitorOrder(ctx, adapter, info, cfg)
		if monErr != nil {
			if isAbort(monErr) || errors.Is(monErr, ErrOrderCanceled) {
				return Result{}, monErr
			}
			lastErr = monErr
			e.cancelBestEffort(ctx, adapter, info)
			continue
		}

		if filled {
			e.limits.Clear(info.ExchangeID)
			return e.buildResult(info), nil
		}

		// 超时未成交。最后一次尝试不再撤单重提，直接宣告耗尽。
		if attempt+1 >= cfg.MaxResubmitAttempts {
			lastErr = errUnfilled
			break
		}

		if cancelErr := e.cancelForResubmit(ctx, adapter, info); cancelErr != nil {
			lastErr = cancelErr
			continue
		}

		// 撤单期间到达的外部撤单已把订单移出活跃集合，不再重提。
		if !e.isActive(info.ClientOrderID) {
			return Result{}, ErrOrderCanceled
		}

		price = e.nextPrice(ctx, adapter, info, price, cfg)
		e.prepareResubmit(info, price)
	}

	return Result{}, &ExhaustedError{
		ClientOrderID: info.ClientOrderID,
		Attempts:      cfg.MaxResubmitAttempts,
		Err:           lastErr,
	}
}

// submitWithRecovery 提交订单，在提交层面就地恢复限流与 nonce 冲突：
// 两类错误只触发等待/重同步后重试，永不消耗外层预算。
func (e *Executor) submitWithRecovery(ctx context.Context, adapter exchange.Adapter, info *OrderInfo, price float64) (exchange.Order, error) {
	for {
		if e.limits.IsLimited(info.ExchangeID) {
			if err := e.limits.Wait(ctx, info.ExchangeID); err != nil {
				return exchange.Order{}, err
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exchange.Order{}, ctxErr
		}

		order, err := adapter.CreateOrder(ctx, info.Symbol, "limit", string(info.Side), info.Amount, price, e.buildParams(info))
		if err == nil {
			return order, nil
		}

		switch exchange.Classify(err) {
		case exchange.ClassRateLimit:
			e.recordRateLimitHit(info.ExchangeID, err)
			if waitErr := e.limits.Wait(ctx, info.ExchangeID); waitErr != nil {
				return exchange.Order{}, waitErr
			}
		case exchange.ClassNonceConflict:
			e.nonces.HandleConflict(info.ExchangeID, err)
		default:
			return exchange.Order{}, err
		}
	}
}

// monitorOrder 轮询订单直到成交、被外部撤销或超时。
// 返回 (true, nil) 表示成交，(false, nil) 表示超时或交易所侧已撤销。
func (e *Executor) monitorOrder(ctx context.Context, adapter exchange.Adapter, info *OrderInfo, cfg Config) (bool, error) {
	deadline := time.Now().Add(cfg.UnfillTimeout)
	timer := time.NewTimer(cfg.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.stopCh:
			return false, ErrStopped
		case <-timer.C:
		}

		if !e.isActive(info.ClientOrderID) {
			return false, ErrOrderCanceled
		}

		order, err := adapter.FetchOrder(ctx, e.exchangeOrderID(info), info.Symbol)
		if err != nil {
			switch exchange.Classify(err) {
			case exchange.ClassRateLimit:
				e.recordRateLimitHit(info.ExchangeID, err)
				if waitErr := e.limits.Wait(ctx, info.ExchangeID); waitErr != nil {
					return false, waitErr
				}
			case exchange.ClassNonceConflict:
				e.nonces.HandleConflict(info.ExchangeID, err)
			default:
				return false, err
			}
		} else {
			e.updateFilled(info, order.Filled)

			if order.Status == exchange.OrderStatusClosed || (info.Amount > 0 && order.Filled >= info.Amount) {
				return true, nil
			}
			// 交易所侧被撤销视作未成交，走重提路径。
			if order.IsFinal() {
				return false, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		timer.Reset(cfg.CheckInterval)
	}
}

// cancelForResubmit 为重新提交而撤单，良性竞态（已成交/不存在）被容忍。
func (e *Executor) cancelForResubmit(ctx context.Context, adapter exchange.Adapter, info *OrderInfo) error {
	err := adapter.CancelOrder(ctx, e.exchangeOrderID(info), info.Symbol)
	if err != nil && !exchange.IsBenignCancelError(err) {
		if isAbort(err) {
			return err
		}
		e.logger.Warn("撤单失败",
			zap.String("client_order_id", info.ClientOrderID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (e *Executor) cancelBestEffort(ctx context.Context, adapter exchange.Adapter, info *OrderInfo) {
	if err := adapter.CancelOrder(ctx, e.exchangeOrderID(info), info.Symbol); err != nil && !exchange.IsBenignCancelError(err) {
		e.logger.Warn("监控异常后的兜底撤单失败",
			zap.String("client_order_id", info.ClientOrderID),
			zap.Error(err),
		)
	}
}

// nextPrice 计算重提价格。postOnly 且盘口可用时跟踪对手最优报价并
// 按 makerPriceOffset 留出偏移以保证 maker 身份；否则按滑点追价：
// 买单上调、卖单下调，使重提单恰好追上市场。
func (e *Executor) nextPrice(ctx context.Context, adapter exchange.Adapter, info *OrderInfo, current float64, cfg Config) float64 {
	if info.PostOnly {
		ticker, err := adapter.FetchTicker(ctx, info.Symbol)
		if err == nil && ticker.Valid() {
			if info.Side == SideBuy {
				return math.Max(current, ticker.Ask*(1-cfg.MakerPriceOffset))
			}
			return math.Min(current, ticker.Bid*(1+cfg.MakerPriceOffset))
		}
		if err != nil {
			e.logger.Warn("获取盘口失败，回退为滑点追价",
				zap.String("symbol", info.Symbol),
				zap.Error(err),
			)
		}
	}

	if info.Side == SideBuy {
		return current * (1 + cfg.PriceSlippage)
	}
	return current * (1 - cfg.PriceSlippage)
}

// CancelOrder 撤销指定活跃订单并将其移出活跃集合。
// 订单或交易所不存在时返回 false 而非报错。
func (e *Executor) CancelOrder(ctx context.Context, clientOrderID string) bool {
	e.mu.Lock()
	info, ok := e.active[clientOrderID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	adapter, ok := e.adapters[info.ExchangeID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	exchangeOrderID := info.ExchangeOrderID
	e.mu.Unlock()

	if exchangeOrderID != "" {
		if err := adapter.CancelOrder(ctx, exchangeOrderID, info.Symbol); err != nil && !exchange.IsBenignCancelError(err) {
			e.logger.Warn("主动撤单失败",
				zap.String("client_order_id", clientOrderID),
				zap.Error(err),
			)
			return false
		}
	}

	e.mu.Lock()
	if _, still := e.active[clientOrderID]; !still {
		e.mu.Unlock()
		return false
	}
	info.Status = StatusCanceled
	delete(e.active, clientOrderID)
	e.stats.CanceledOrders++
	payload := e.payloadLocked(info, "")
	e.mu.Unlock()

	e.bus.Publish(event.Event{Type: event.TypeOrderCanceled, Payload: payload})
	return true
}

// CancelAllOrders 撤销匹配过滤条件的全部活跃订单，返回成功撤销数。
// exchangeID、symbol 为空表示不过滤。
func (e *Executor) CancelAllOrders(ctx context.Context, exchangeID, symbol string) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id, info := range e.active {
		if exchangeID != "" && info.ExchangeID != exchangeID {
			continue
		}
		if symbol != "" && info.Symbol != symbol {
			continue
		}
		ids = append(ids, id)
	}
	e.mu.Unlock()

	canceled := 0
	for _, id := range ids {
		if e.CancelOrder(ctx, id) {
			canceled++
		}
	}
	return canceled
}

// GetOrderStatus 返回指定订单的只读快照。
func (e *Executor) GetOrderStatus(clientOrderID string) (OrderInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, ok := e.active[clientOrderID]
	if !ok {
		return OrderInfo{}, false
	}
	return info.clone(), true
}

// GetActiveOrders 返回全部活跃订单的只读快照。
func (e *Executor) GetActiveOrders() []OrderInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	orders := make([]OrderInfo, 0, len(e.active))
	for _, info := range e.active {
		orders = append(orders, info.clone())
	}
	return orders
}

// GetStats 返回累计统计快照。
func (e *Executor) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.ActiveOrders = len(e.active)
	return stats
}

// GetAccountStatus 返回账户队列状态。
func (e *Executor) GetAccountStatus(accountID string) account.Status {
	return e.accounts.Status(accountID)
}

func (e *Executor) registerOrder(params OrderParams, orderType string) *OrderInfo {
	info := &OrderInfo{
		ClientOrderID: e.nextClientOrderID(),
		ExchangeID:    params.ExchangeID,
		OrderType:     orderType,
		AccountID:     params.AccountID,
		Symbol:        params.Symbol,
		Side:          params.Side,
		Amount:        params.Amount,
		Price:         params.Price,
		PostOnly:      params.PostOnly,
		ReduceOnly:    params.ReduceOnly,
		Options:       params.Options,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	e.mu.Lock()
	e.active[info.ClientOrderID] = info
	e.stats.TotalOrders++
	e.mu.Unlock()
	return info
}

// buildParams 组装交易所参数：clientOrderId、nonce 时间戳以及
// post-only/reduce-only 标志，调用方自定义 Options 优先保留。
func (e *Executor) buildParams(info *OrderInfo) map[string]interface{} {
	params := make(map[string]interface{}, len(info.Options)+4)
	params["clientOrderId"] = info.ClientOrderID
	params["timestamp"] = e.nonces.Next(info.ExchangeID)
	if info.PostOnly {
		params["postOnly"] = true
	}
	if info.ReduceOnly {
		params["reduceOnly"] = true
	}
	for k, v := range info.Options {
		params[k] = v
	}
	return params
}

// markSubmitted 记录交易所回执并发布 submitted 事件。
// 返回 true 表示订单已被外部撤销移出活跃集合：判定与 CancelOrder 的
// 删除持同一把锁，调用方必须撤掉这笔刚创建的交易所订单。
func (e *Executor) markSubmitted(info *OrderInfo, order exchange.Order) bool {
	e.mu.Lock()
	_, tracked := e.active[info.ClientOrderID]
	info.Status = StatusSubmitted
	if order.ID != "" {
		info.ExchangeOrderID = order.ID
	}
	if order.Filled > 0 {
		info.FilledAmount = order.Filled
	}
	payload := e.payloadLocked(info, "")
	e.mu.Unlock()

	if !tracked {
		return true
	}
	e.bus.Publish(event.Event{Type: event.TypeOrderSubmitted, Payload: payload})
	return false
}

func (e *Executor) updateFilled(info *OrderInfo, filled float64) {
	e.mu.Lock()
	if filled > info.FilledAmount {
		info.FilledAmount = filled
	}
	e.mu.Unlock()
}

// prepareResubmit 在撤单后登记一次重提：瞬态 canceled 事件、
// 计数推进、价格更新，随后回到 pending 等待下一次提交。
func (e *Executor) prepareResubmit(info *OrderInfo, newPrice float64) {
	e.mu.Lock()
	info.Status = StatusCanceled
	payload := e.payloadLocked(info, "unfilled")
	info.ResubmitCount++
	info.Price = newPrice
	info.Status = StatusPending
	e.stats.ResubmitCount++
	e.mu.Unlock()

	e.bus.Publish(event.Event{Type: event.TypeOrderCanceled, Payload: payload})
}

func (e *Executor) finalizeFilled(info *OrderInfo) {
	e.mu.Lock()
	if _, ok := e.active[info.ClientOrderID]; !ok {
		e.mu.Unlock()
		return
	}
	info.Status = StatusFilled
	delete(e.active, info.ClientOrderID)
	e.stats.FilledOrders++
	payload := e.payloadLocked(info, "")
	e.mu.Unlock()

	e.bus.Publish(event.Event{Type: event.TypeOrderFilled, Payload: payload})
}

// finalizeFailed 保证任意终态失败路径都更新统计并把订单移出
// 活跃集合，调用方因此永远不会观察到僵尸订单。
func (e *Executor) finalizeFailed(info *OrderInfo, cause error) {
	e.mu.Lock()
	delete(e.active, info.ClientOrderID)
	info.Status = StatusFailed
	e.stats.FailedOrders++
	payload := e.payloadLocked(info, cause.Error())
	e.mu.Unlock()

	e.bus.Publish(event.Event{Type: event.TypeOrderFailed, Payload: payload})
}

func (e *Executor) recordRateLimitHit(exchangeID string, err error) {
	e.mu.Lock()
	e.stats.RateLimitHits++
	e.mu.Unlock()
	e.limits.RecordError(exchangeID, err)
}

func (e *Executor) isActive(clientOrderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[clientOrderID]
	return ok
}

func (e *Executor) exchangeOrderID(info *OrderInfo) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return info.ExchangeOrderID
}

func (e *Executor) buildResult(info *OrderInfo) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Result{
		ClientOrderID:   info.ClientOrderID,
		ExchangeOrderID: info.ExchangeOrderID,
		Symbol:          info.Symbol,
		Side:            info.Side,
		Amount:          info.Amount,
		Price:           info.Price,
		FilledAmount:    info.FilledAmount,
		ResubmitCount:   info.ResubmitCount,
	}
}

// payloadLocked 在持有 e.mu 时构造事件载荷快照。
func (e *Executor) payloadLocked(info *OrderInfo, reason string) event.OrderPayload {
	return event.OrderPayload{
		ClientOrderID:   info.ClientOrderID,
		ExchangeOrderID: info.ExchangeOrderID,
		ExchangeID:      info.ExchangeID,
		AccountID:       info.AccountID,
		Symbol:          info.Symbol,
		Side:            string(info.Side),
		Type:            info.OrderType,
		Amount:          info.Amount,
		Price:           info.Price,
		FilledAmount:    info.FilledAmount,
		ResubmitCount:   info.ResubmitCount,
		Reason:          reason,
	}
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrStopped)
}
