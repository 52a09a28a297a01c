package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type 表示引擎生命周期事件类型。
type Type string

const (
	TypeOrderSubmitted     Type = "order_submitted"
	TypeOrderFilled        Type = "order_filled"
	TypeOrderCanceled      Type = "order_canceled"
	TypeOrderFailed        Type = "order_failed"
	TypeBreakerStateChange Type = "breaker_state_change"
)

// Event 封装单个事件，Payload 为不可变快照。
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderPayload 为订单生命周期事件的载荷。
type OrderPayload struct {
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	ExchangeID      string  `json:"exchange_id"`
	AccountID       string  `json:"account_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Amount          float64 `json:"amount"`
	Price           float64 `json:"price,omitempty"`
	FilledAmount    float64 `json:"filled_amount"`
	ResubmitCount   int     `json:"resubmit_count"`
	Reason          string  `json:"reason,omitempty"`
}

// BreakerPayload 为熔断器状态迁移事件的载荷。
type BreakerPayload struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Handler 处理单个事件。处理函数不应阻塞发布方。
type Handler func(Event)

// Bus 是进程内的观察者式事件总线。
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe 注册事件处理函数。
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish 同步分发事件给全部订阅者。
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
