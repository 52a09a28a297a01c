package exchange

import "time"

// 订单在交易所侧的标准状态值，遵循 ccxt 约定。
const (
	OrderStatusOpen     = "open"
	OrderStatusClosed   = "closed"
	OrderStatusCanceled = "canceled"
	OrderStatusRejected = "rejected"
	OrderStatusExpired  = "expired"
)

// Order 为交易所返回的订单快照。
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Type          string
	Side          string
	Price         float64
	Amount        float64
	Filled        float64
	Remaining     float64
	Status        string
	Timestamp     time.Time
}

// IsFinal 判断订单是否处于终态。
func (o Order) IsFinal() bool {
	switch o.Status {
	case OrderStatusClosed, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Ticker 为盘口快照，仅保留执行引擎关心的字段。
type Ticker struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Last      float64
	Timestamp time.Time
}

// Valid 判断盘口数据是否可用于价格计算。
func (t Ticker) Valid() bool {
	return t.Bid > 0 && t.Ask > 0
}
