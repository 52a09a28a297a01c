package exchange

import (
	"errors"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Class 表示交易所错误的分类结果，决定执行引擎的恢复策略。
type Class int

const (
	ClassUnknown Class = iota
	ClassRateLimit
	ClassNonceConflict
	ClassInsufficientBalance
	ClassInvalidOrder
	ClassNetwork
	ClassExchange
)

func (c Class) String() string {
	switch c {
	case ClassRateLimit:
		return "RATE_LIMIT"
	case ClassNonceConflict:
		return "NONCE_CONFLICT"
	case ClassInsufficientBalance:
		return "INSUFFICIENT_BALANCE"
	case ClassInvalidOrder:
		return "INVALID_ORDER"
	case ClassNetwork:
		return "NETWORK"
	case ClassExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// Classify 对错误进行分类。优先匹配 ccxt 类型，再回退到报文关键字。
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
			return ClassRateLimit
		case ccxt.InvalidNonceErrType:
			return ClassNonceConflict
		case ccxt.InsufficientFundsErrType:
			return ClassInsufficientBalance
		case ccxt.InvalidOrderErrType, ccxt.OrderNotFoundErrType:
			return ClassInvalidOrder
		case ccxt.NetworkErrorErrType, ccxt.RequestTimeoutErrType:
			return ClassNetwork
		case ccxt.ExchangeErrorErrType, ccxt.ExchangeNotAvailableErrType, ccxt.OnMaintenanceErrType:
			return ClassExchange
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Class {
	m := strings.ToLower(msg)

	switch {
	case containsAny(m, "429", "rate limit", "ratelimit", "too many request"):
		return ClassRateLimit
	case containsAny(m, "nonce", "timestamp", "recvwindow"):
		return ClassNonceConflict
	case containsAny(m, "insufficient", "balance"):
		return ClassInsufficientBalance
	case containsAny(m, "invalid", "rejected", "post only", "post-only", "postonly"):
		return ClassInvalidOrder
	case containsAny(m, "timeout", "timed out", "connection", "network", "econnreset", "econnrefused"):
		return ClassNetwork
	case containsAny(m, "exchange", "server error", "503", "502", "maintenance"):
		return ClassExchange
	default:
		return ClassUnknown
	}
}

// IsBenignCancelError 判断撤单失败是否为良性竞态：
// 订单已成交、已撤销或已不存在时撤单报错不应视为执行失败。
func IsBenignCancelError(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
		return true
	}

	m := strings.ToLower(err.Error())
	return containsAny(m, "filled", "already", "not found", "does not exist", "unknown order")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
