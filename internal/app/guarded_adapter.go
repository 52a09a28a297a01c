package app

import (
	"context"
	"errors"

	"order-engine/internal/breaker"
	"order-engine/internal/exchange"
)

// guardedAdapter 在每个交易所操作外套一层熔断器。
// 熔断器按 "<交易所>.<操作>" 命名，彼此独立熔断。
type guardedAdapter struct {
	exchangeID string
	next       exchange.Adapter
	breakers   *breaker.Manager
}

func newGuardedAdapter(exchangeID string, next exchange.Adapter, breakers *breaker.Manager) *guardedAdapter {
	return &guardedAdapter{
		exchangeID: exchangeID,
		next:       next,
		breakers:   breakers,
	}
}

func (g *guardedAdapter) breakerFor(op string) *breaker.CircuitBreaker {
	return g.breakers.Get(g.exchangeID + "." + op)
}

// guardable 过滤不应计入熔断统计的错误：限流与 nonce 冲突
// 各有专门的恢复机制，上下文取消是调用方行为而非交易所故障。
func guardable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	switch exchange.Classify(err) {
	case exchange.ClassRateLimit, exchange.ClassNonceConflict:
		return nil
	}
	return err
}

func (g *guardedAdapter) CreateOrder(ctx context.Context, symbol, orderType, side string, amount, price float64, params map[string]interface{}) (exchange.Order, error) {
	var (
		order exchange.Order
		inner error
	)
	err := g.breakerFor("create_order").Execute(ctx, func(ctx context.Context) error {
		order, inner = g.next.CreateOrder(ctx, symbol, orderType, side, amount, price, params)
		return guardable(inner)
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return order, inner
}

func (g *guardedAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	var inner error
	err := g.breakerFor("cancel_order").Execute(ctx, func(ctx context.Context) error {
		inner = g.next.CancelOrder(ctx, orderID, symbol)
		// 良性竞态（已成交/不存在）不算交易所故障。
		if exchange.IsBenignCancelError(inner) {
			return nil
		}
		return guardable(inner)
	})
	if err != nil {
		return err
	}
	return inner
}

func (g *guardedAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (exchange.Order, error) {
	var (
		order exchange.Order
		inner error
	)
	err := g.breakerFor("fetch_order").Execute(ctx, func(ctx context.Context) error {
		order, inner = g.next.FetchOrder(ctx, orderID, symbol)
		return guardable(inner)
	})
	if err != nil {
		return exchange.Order{}, err
	}
	return order, inner
}

func (g *guardedAdapter) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	var (
		ticker exchange.Ticker
		inner  error
	)
	err := g.breakerFor("fetch_ticker").Execute(ctx, func(ctx context.Context) error {
		ticker, inner = g.next.FetchTicker(ctx, symbol)
		return guardable(inner)
	})
	if err != nil {
		return exchange.Ticker{}, err
	}
	return ticker, inner
}

func (g *guardedAdapter) FetchTime(ctx context.Context) (int64, error) {
	// 时钟查询只在注册时发生一次，不值得占用熔断统计。
	return g.next.FetchTime(ctx)
}
