// Package metrics 通过 Prometheus 暴露执行引擎指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-engine/internal/breaker"
	"order-engine/internal/event"
)

// Collector 订阅事件总线并维护 Prometheus 指标。
type Collector struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec
	ordersFilled    *prometheus.CounterVec
	ordersCanceled  *prometheus.CounterVec
	ordersFailed    *prometheus.CounterVec
	resubmits       *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

// NewCollector 创建并注册全部指标。
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "提交到交易所的订单数",
		}, []string{"exchange", "symbol", "side"}),
		ordersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_filled_total",
			Help: "完全成交的订单数",
		}, []string{"exchange", "symbol", "side"}),
		ordersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_canceled_total",
			Help: "撤销的订单数（含重提前的瞬态撤单）",
		}, []string{"exchange", "symbol", "side"}),
		ordersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_failed_total",
			Help: "终态失败的订单数",
		}, []string{"exchange", "symbol", "side"}),
		resubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_resubmits_total",
			Help: "因超时未成交触发的重提次数",
		}, []string{"exchange", "symbol"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_breaker_state",
			Help: "熔断器状态：0=CLOSED 1=OPEN 2=HALF_OPEN",
		}, []string{"name"}),
	}

	c.registry.MustRegister(
		c.ordersSubmitted,
		c.ordersFilled,
		c.ordersCanceled,
		c.ordersFailed,
		c.resubmits,
		c.breakerState,
	)
	return c
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// HandleEvent 作为事件总线订阅者更新指标。
func (c *Collector) HandleEvent(evt event.Event) {
	switch evt.Type {
	case event.TypeOrderSubmitted:
		if p, ok := evt.Payload.(event.OrderPayload); ok {
			c.ordersSubmitted.WithLabelValues(p.ExchangeID, p.Symbol, p.Side).Inc()
		}
	case event.TypeOrderFilled:
		if p, ok := evt.Payload.(event.OrderPayload); ok {
			c.ordersFilled.WithLabelValues(p.ExchangeID, p.Symbol, p.Side).Inc()
		}
	case event.TypeOrderCanceled:
		if p, ok := evt.Payload.(event.OrderPayload); ok {
			c.ordersCanceled.WithLabelValues(p.ExchangeID, p.Symbol, p.Side).Inc()
			if p.Reason == "unfilled" {
				c.resubmits.WithLabelValues(p.ExchangeID, p.Symbol).Inc()
			}
		}
	case event.TypeOrderFailed:
		if p, ok := evt.Payload.(event.OrderPayload); ok {
			c.ordersFailed.WithLabelValues(p.ExchangeID, p.Symbol, p.Side).Inc()
		}
	case event.TypeBreakerStateChange:
		if p, ok := evt.Payload.(event.BreakerPayload); ok {
			c.breakerState.WithLabelValues(p.Name).Set(stateValue(p.To))
		}
	}
}

func stateValue(state string) float64 {
	switch state {
	case breaker.StateOpen.String():
		return 1
	case breaker.StateHalfOpen.String():
		return 2
	default:
		return 0
	}
}
