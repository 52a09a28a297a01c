package exchange

import "context"

// Adapter 抽象交易所的下单能力，由具体交易所客户端实现。
// 所有方法都可能因网络、限流或交易所故障而失败，调用方负责分类处理。
type Adapter interface {
	// CreateOrder 提交订单。市价单 price 传 0。
	CreateOrder(ctx context.Context, symbol, orderType, side string, amount, price float64, params map[string]interface{}) (Order, error)
	// CancelOrder 撤销订单。对已成交或不存在的订单返回的错误
	// 可通过 IsBenignCancelError 识别为良性竞态。
	CancelOrder(ctx context.Context, orderID, symbol string) error
	// FetchOrder 查询订单最新状态。
	FetchOrder(ctx context.Context, orderID, symbol string) (Order, error)
	// FetchTicker 获取盘口，用于 maker 价格计算。
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	// FetchTime 返回交易所服务器时间（毫秒），用于时钟校正。
	FetchTime(ctx context.Context) (int64, error)
}
