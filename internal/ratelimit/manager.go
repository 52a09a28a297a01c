package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

type status struct {
	consecutiveErrors int
	waitUntil         time.Time
}

// Manager 按交易所跟踪限流状态，使用指数退避决定冷却窗口。
type Manager struct {
	mu        sync.Mutex
	exchanges map[string]*status

	initialWait time.Duration
	maxWait     time.Duration
	multiplier  float64

	logger *zap.Logger
	now    func() time.Time
}

// NewManager 创建限流管理器。
func NewManager(initialWait, maxWait time.Duration, multiplier float64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initialWait <= 0 {
		initialWait = time.Second
	}
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return &Manager{
		exchanges:   make(map[string]*status),
		initialWait: initialWait,
		maxWait:     maxWait,
		multiplier:  multiplier,
		logger:      logger,
		now:         time.Now,
	}
}

func (m *Manager) get(exchangeID string) *status {
	st, ok := m.exchanges[exchangeID]
	if !ok {
		st = &status{}
		m.exchanges[exchangeID] = st
	}
	return st
}

// IsLimited 判断该交易所当前是否处于冷却窗口内。
func (m *Manager) IsLimited(exchangeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Before(m.get(exchangeID).waitUntil)
}

// RecordError 记录一次限流错误，并按 initialWait*multiplier^(n-1)
// 推进冷却窗口，上限为 maxWait。
func (m *Manager) RecordError(exchangeID string, err error) {
	m.mu.Lock()
	st := m.get(exchangeID)
	st.consecutiveErrors++
	wait := m.backoff(st.consecutiveErrors)
	st.waitUntil = m.now().Add(wait)
	count := st.consecutiveErrors
	m.mu.Unlock()

	m.logger.Warn("触发交易所限流，进入退避",
		zap.String("exchange", exchangeID),
		zap.Int("consecutive_errors", count),
		zap.Duration("wait", wait),
		zap.Error(err),
	)
}

func (m *Manager) backoff(consecutiveErrors int) time.Duration {
	if consecutiveErrors < 1 {
		consecutiveErrors = 1
	}
	wait := time.Duration(float64(m.initialWait) * math.Pow(m.multiplier, float64(consecutiveErrors-1)))
	if wait > m.maxWait || wait <= 0 {
		wait = m.maxWait
	}
	return wait
}

// WaitTime 返回剩余冷却时间，未限流时为 0。
func (m *Manager) WaitTime(exchangeID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.get(exchangeID).waitUntil.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Wait 挂起调用方直到冷却窗口结束。未限流时立即返回。
func (m *Manager) Wait(ctx context.Context, exchangeID string) error {
	remaining := m.WaitTime(exchangeID)
	if remaining <= 0 {
		return nil
	}

	m.logger.Debug("等待限流冷却",
		zap.String("exchange", exchangeID),
		zap.Duration("remaining", remaining),
	)

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Clear 在任意一次成功调用后清零连续错误计数并解除冷却。
func (m *Manager) Clear(exchangeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchangeID)
	st.consecutiveErrors = 0
	st.waitUntil = time.Time{}
}

// ConsecutiveErrors 返回当前连续限流错误计数。
func (m *Manager) ConsecutiveErrors(exchangeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(exchangeID).consecutiveErrors
}
