package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 表示熔断器状态。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// OpenError 表示调用被熔断器拒绝，携带当前状态供调用方区分
// “稍后再试”与“这次调用本身有问题”。
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: %s 当前为 %s，调用被拒绝", e.Name, e.State)
}

// Config 控制熔断器行为。
type Config struct {
	FailureThreshold   int           // 连续失败多少次后熔断
	SuccessThreshold   int           // 半开态连续成功多少次后恢复
	Timeout            time.Duration // 熔断后多久允许探测
	HalfOpenMaxCalls   int           // 半开态最多放行的探测调用数
	VolumeThreshold    int           // 窗口错误率判定所需的最小调用量
	ErrorRateThreshold float64       // 窗口错误率阈值
	WindowSize         time.Duration // 滑动窗口长度
	BucketSize         time.Duration // 窗口内单个桶的宽度
}

// DefaultConfig 返回常用默认值。
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Timeout:            30 * time.Second,
		HalfOpenMaxCalls:   3,
		VolumeThreshold:    10,
		ErrorRateThreshold: 0.5,
		WindowSize:         time.Minute,
		BucketSize:         10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = d.VolumeThreshold
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.BucketSize <= 0 || c.BucketSize > c.WindowSize {
		c.BucketSize = d.BucketSize
	}
	return c
}

// Stats 为熔断器统计快照。
type Stats struct {
	State                string    `json:"state"`
	TotalCalls           int64     `json:"total_calls"`
	SuccessfulCalls      int64     `json:"successful_calls"`
	FailedCalls          int64     `json:"failed_calls"`
	RejectedCalls        int64     `json:"rejected_calls"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
	LastSuccess          time.Time `json:"last_success,omitempty"`
	WindowCalls          int64     `json:"window_calls"`
	WindowErrorRate      float64   `json:"window_error_rate"`
}

type bucket struct {
	successes int64
	failures  int64
}

// Fallback 在调用被拒绝时代替原调用执行。
type Fallback func(ctx context.Context) error

// StateChangeFunc 在状态迁移后被回调（锁外调用）。
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker 按 CLOSED/OPEN/HALF_OPEN 状态机保护单个操作：
// 连续失败或窗口错误率超阈值后熔断，冷却期满放行探测调用。
type CircuitBreaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	fallback      Fallback
	onStateChange StateChangeFunc

	mu            sync.Mutex
	state         State
	changedAt     time.Time
	halfOpenCalls int

	totalCalls           int64
	successfulCalls      int64
	failedCalls          int64
	rejectedCalls        int64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time

	buckets map[int64]*bucket
}

// Option 配置熔断器的可选行为。
type Option func(*CircuitBreaker)

// WithFallback 设置拒绝时的降级函数，命中后不再返回 OpenError。
func WithFallback(fb Fallback) Option {
	return func(cb *CircuitBreaker) { cb.fallback = fb }
}

// WithStateChange 设置状态迁移回调。
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// New 创建熔断器，初始为 CLOSED。
func New(name string, cfg Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		state:   StateClosed,
		buckets: make(map[int64]*bucket),
	}
	cb.changedAt = cb.now()
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name 返回熔断器名称。
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute 在熔断器保护下执行 fn。被拒绝时返回 *OpenError，
// 配置了 fallback 则转而执行 fallback。
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	admit, notify, rejErr := cb.allow()
	if notify != nil {
		notify()
	}
	if !admit {
		if cb.fallback != nil {
			return cb.fallback(ctx)
		}
		return rejErr
	}

	err := fn(ctx)
	if notify := cb.record(err); notify != nil {
		notify()
	}
	return err
}

// allow 判定是否放行一次调用。OPEN 态冷却期满的第一笔调用触发
// OPEN→HALF_OPEN 且不计入 halfOpenMaxCalls 额度。
func (cb *CircuitBreaker) allow() (bool, func(), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true, nil, nil

	case StateOpen:
		if cb.now().Sub(cb.changedAt) >= cb.cfg.Timeout {
			notify := cb.transition(StateHalfOpen)
			cb.halfOpenCalls = 0
			return true, notify, nil
		}
		cb.rejectedCalls++
		return false, nil, &OpenError{Name: cb.name, State: StateOpen}

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			cb.rejectedCalls++
			return false, nil, &OpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.halfOpenCalls++
		return true, nil, nil

	default:
		cb.rejectedCalls++
		return false, nil, &OpenError{Name: cb.name, State: cb.state}
	}
}

func (cb *CircuitBreaker) record(err error) func() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.totalCalls++
	cb.recordBucket(err == nil)

	if err == nil {
		cb.successfulCalls++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		cb.lastSuccess = now

		if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			notify := cb.transition(StateClosed)
			cb.consecutiveSuccesses = 0
			cb.halfOpenCalls = 0
			return notify
		}
		return nil
	}

	cb.failedCalls++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailure = now

	switch cb.state {
	case StateHalfOpen:
		// 半开态任何一次失败立即回到熔断。
		return cb.transition(StateOpen)
	case StateClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			return cb.transition(StateOpen)
		}
		if calls, rate := cb.windowStats(); calls >= int64(cb.cfg.VolumeThreshold) && rate >= cb.cfg.ErrorRateThreshold {
			return cb.transition(StateOpen)
		}
	}
	return nil
}

// transition 切换状态并返回锁外执行的通知闭包。调用方必须持有 cb.mu。
func (cb *CircuitBreaker) transition(to State) func() {
	if cb.state == to {
		return nil
	}
	from := cb.state
	cb.state = to
	cb.changedAt = cb.now()

	cb.logger.Info("熔断器状态迁移",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	name := cb.name
	return func() { fn(name, from, to) }
}

func (cb *CircuitBreaker) bucketKey(ts time.Time) int64 {
	return ts.UnixMilli() / cb.cfg.BucketSize.Milliseconds()
}

// recordBucket 将本次调用计入当前时间桶，并惰性裁剪过期桶。
func (cb *CircuitBreaker) recordBucket(success bool) {
	now := cb.now()
	key := cb.bucketKey(now)

	b, ok := cb.buckets[key]
	if !ok {
		b = &bucket{}
		cb.buckets[key] = b
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}

	oldest := cb.bucketKey(now.Add(-cb.cfg.WindowSize))
	for k := range cb.buckets {
		if k < oldest {
			delete(cb.buckets, k)
		}
	}
}

// windowStats 返回窗口内调用总量与错误率。调用方必须持有 cb.mu。
func (cb *CircuitBreaker) windowStats() (int64, float64) {
	oldest := cb.bucketKey(cb.now().Add(-cb.cfg.WindowSize))

	var successes, failures int64
	for k, b := range cb.buckets {
		if k < oldest {
			continue
		}
		successes += b.successes
		failures += b.failures
	}

	total := successes + failures
	if total == 0 {
		return 0, 0
	}
	return total, float64(failures) / float64(total)
}

// State 返回当前状态。
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trip 手动熔断。
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	notify := cb.transition(StateOpen)
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Reset 手动恢复为 CLOSED 并清空连续计数与窗口。累计计数保留。
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.transition(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenCalls = 0
	cb.buckets = make(map[int64]*bucket)
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Stats 返回统计快照。
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	calls, rate := cb.windowStats()
	return Stats{
		State:                cb.state.String(),
		TotalCalls:           cb.totalCalls,
		SuccessfulCalls:      cb.successfulCalls,
		FailedCalls:          cb.failedCalls,
		RejectedCalls:        cb.rejectedCalls,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailure:          cb.lastFailure,
		LastSuccess:          cb.lastSuccess,
		WindowCalls:          calls,
		WindowErrorRate:      rate,
	}
}
