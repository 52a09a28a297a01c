package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

// ccxtClient 描述所依赖的 ccxt 客户端方法子集，便于替换与测试。
type ccxtClient interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchTime(params ...interface{}) (int64, error)
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
}

// CCXTAdapter 将 ccxt 客户端适配为 Adapter 接口。
type CCXTAdapter struct {
	client ccxtClient
	logger *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTAdapter 创建 ccxt 适配器。
func NewCCXTAdapter(client ccxtClient, logger *zap.Logger) *CCXTAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTAdapter{
		client: client,
		logger: logger,
	}
}

// CreateOrder 提交订单。
func (a *CCXTAdapter) CreateOrder(ctx context.Context, symbol, orderType, side string, amount, price float64, params map[string]interface{}) (Order, error) {
	if err := a.ensureMarketsLoaded(ctx); err != nil {
		return Order{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Order{}, ctxErr
	}

	opts := make([]ccxt.CreateOrderOptions, 0, 2)
	if price > 0 {
		opts = append(opts, ccxt.WithCreateOrderPrice(price))
	}
	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateOrderParams(params))
	}

	raw, err := a.client.CreateOrder(symbol, orderType, side, amount, opts...)
	if err != nil {
		return Order{}, err
	}
	return convertOrder(raw), nil
}

// CancelOrder 撤销订单。
func (a *CCXTAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var opts []ccxt.CancelOrderOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithCancelOrderSymbol(symbol))
	}
	_, err := a.client.CancelOrder(orderID, opts...)
	return err
}

// FetchOrder 查询订单状态。
func (a *CCXTAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Order{}, ctxErr
	}

	var opts []ccxt.FetchOrderOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithFetchOrderSymbol(symbol))
	}
	raw, err := a.client.FetchOrder(orderID, opts...)
	if err != nil {
		return Order{}, err
	}
	return convertOrder(raw), nil
}

// FetchTicker 获取盘口。
func (a *CCXTAdapter) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := a.ensureMarketsLoaded(ctx); err != nil {
		return Ticker{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Ticker{}, ctxErr
	}

	raw, err := a.client.FetchTicker(symbol)
	if err != nil {
		return Ticker{}, err
	}
	return convertTicker(symbol, raw), nil
}

// FetchTime 获取交易所服务器时间（毫秒）。
func (a *CCXTAdapter) FetchTime(ctx context.Context) (int64, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	return a.client.FetchTime()
}

func (a *CCXTAdapter) ensureMarketsLoaded(ctx context.Context) error {
	if a.marketsLoaded {
		return nil
	}

	a.marketsMu.Lock()
	defer a.marketsMu.Unlock()

	if a.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := a.client.LoadMarkets(); err != nil {
		return fmt.Errorf("exchange: 加载市场元数据失败: %w", err)
	}

	a.marketsLoaded = true
	a.logger.Debug("已完成市场元数据加载")
	return nil
}

func convertOrder(o ccxt.Order) Order {
	order := Order{
		ID:            derefString(o.Id),
		ClientOrderID: derefString(o.ClientOrderId),
		Symbol:        derefString(o.Symbol),
		Type:          derefString(o.Type),
		Side:          derefString(o.Side),
		Price:         derefFloat(o.Price),
		Amount:        derefFloat(o.Amount),
		Filled:        derefFloat(o.Filled),
		Remaining:     derefFloat(o.Remaining),
		Status:        derefString(o.Status),
	}
	if o.Timestamp != nil {
		order.Timestamp = time.UnixMilli(int64(*o.Timestamp)).UTC()
	}
	return order
}

func convertTicker(symbol string, t ccxt.Ticker) Ticker {
	ticker := Ticker{
		Symbol: symbol,
		Bid:    derefFloat(t.Bid),
		Ask:    derefFloat(t.Ask),
		Last:   derefFloat(t.Last),
	}
	if t.Timestamp != nil {
		ticker.Timestamp = time.UnixMilli(int64(*t.Timestamp)).UTC()
	} else {
		ticker.Timestamp = time.Now().UTC()
	}
	return ticker
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
