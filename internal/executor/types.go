package executor

import "time"

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status 表示订单在执行引擎内的状态。
// pending→submitted 在首次提交成功时发生；filled/failed 为终态；
// canceled 为瞬态，随后要么重新提交要么移除。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFilled    Status = "filled"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// OrderParams 描述一次下单请求。AccountID 为空时默认取 ExchangeID。
type OrderParams struct {
	ExchangeID string
	AccountID  string
	Symbol     string
	Side       Side
	Amount     float64
	Price      float64
	PostOnly   bool
	ReduceOnly bool
	Options    map[string]interface{}
}

// OrderInfo 为活跃订单的内部视图。对外只暴露深拷贝。
type OrderInfo struct {
	ClientOrderID   string
	ExchangeOrderID string
	ExchangeID      string
	AccountID       string
	Symbol          string
	OrderType       string
	Side            Side
	Amount          float64
	Price           float64
	PostOnly        bool
	ReduceOnly      bool
	Options         map[string]interface{}
	Status          Status
	FilledAmount    float64
	ResubmitCount   int
	CreatedAt       time.Time
}

func (o *OrderInfo) clone() OrderInfo {
	cp := *o
	if o.Options != nil {
		cp.Options = make(map[string]interface{}, len(o.Options))
		for k, v := range o.Options {
			cp.Options[k] = v
		}
	}
	return cp
}

// Result 为一次成功执行的摘要。
type Result struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Amount          float64
	Price           float64
	FilledAmount    float64
	ResubmitCount   int
}

// Stats 为执行引擎的累计统计。
type Stats struct {
	TotalOrders    int64 `json:"total_orders"`
	FilledOrders   int64 `json:"filled_orders"`
	FailedOrders   int64 `json:"failed_orders"`
	CanceledOrders int64 `json:"canceled_orders"`
	ResubmitCount  int64 `json:"resubmit_count"`
	RateLimitHits  int64 `json:"rate_limit_hits"`
	ActiveOrders   int   `json:"active_orders"`
}

// Config 控制限价单执行行为。
type Config struct {
	UnfillTimeout       time.Duration // 单次提交后等待成交的上限
	CheckInterval       time.Duration // 成交轮询间隔
	MaxResubmitAttempts int           // 提交尝试总预算（含首次提交）
	PriceSlippage       float64       // 追价时的滑点步长
	MakerPriceOffset    float64       // postOnly 模式下相对对手盘口的偏移
}

// DefaultConfig 返回默认执行参数。
func DefaultConfig() Config {
	return Config{
		UnfillTimeout:       30 * time.Second,
		CheckInterval:       2 * time.Second,
		MaxResubmitAttempts: 3,
		PriceSlippage:       0.001,
		MakerPriceOffset:    0.0001,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UnfillTimeout <= 0 {
		c.UnfillTimeout = d.UnfillTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxResubmitAttempts <= 0 {
		c.MaxResubmitAttempts = d.MaxResubmitAttempts
	}
	if c.PriceSlippage <= 0 {
		c.PriceSlippage = d.PriceSlippage
	}
	if c.MakerPriceOffset <= 0 {
		c.MakerPriceOffset = d.MakerPriceOffset
	}
	return c
}
