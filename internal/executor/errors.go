package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrExchangeNotFound 表示下单请求引用了未注册的交易所。
	ErrExchangeNotFound = errors.New("executor: 交易所未注册")
	// ErrStopped 表示执行引擎已停止，不再接受或继续处理订单。
	ErrStopped = errors.New("executor: 执行引擎已停止")
	// ErrOrderCanceled 表示订单在监控期间被调用方主动撤销。
	ErrOrderCanceled = errors.New("executor: 订单已被调用方撤销")

	// errUnfilled 表示一次提交在超时窗口内未能成交。
	errUnfilled = errors.New("executor: 订单超时未成交")
)

// ExhaustedError 表示重试预算耗尽后订单仍未成交。
// 最后一次底层错误原样保留，可经 errors.Unwrap 取回。
type ExhaustedError struct {
	ClientOrderID string
	Attempts      int
	Err           error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("executor: 订单 %s 在 %d 次提交后仍未成交: %v", e.ClientOrderID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
