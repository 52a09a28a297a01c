package nonce

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 13位毫秒时间戳，常见于交易所 recvWindow/timestamp 报错信息。
var timestampPattern = regexp.MustCompile(`1[0-9]{12}`)

type status struct {
	lastNonce  int64
	offset     int64 // 本地时钟校正（毫秒，带符号）
	serverTime time.Time
}

// Manager 为每个交易所维护严格递增的请求时间戳（nonce），
// 并按观测到的服务器时间对本地时钟进行校正。
type Manager struct {
	mu        sync.Mutex
	exchanges map[string]*status
	stepMs    int64
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager 创建 nonce 管理器。conflictStep 为无法解析服务器时间时
// 盲调时钟偏移的固定步长。
func NewManager(conflictStep time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	stepMs := conflictStep.Milliseconds()
	if stepMs <= 0 {
		stepMs = 1000
	}
	return &Manager{
		exchanges: make(map[string]*status),
		stepMs:    stepMs,
		logger:    logger,
		now:       time.Now,
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

// Next 返回严格大于上一次返回值的 nonce。
// 取 max(lastNonce+1, 校正后的当前毫秒时间)，保证时钟抖动或
// 连续快速调用下仍然单调递增。
func (m *Manager) Next(exchangeID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchangeID)
	n := st.lastNonce + 1
	if corrected := m.now().UnixMilli() + st.offset; corrected > n {
		n = corrected
	}
	st.lastNonce = n
	return n
}

// UpdateOffset 按交易所服务器时间重设时钟偏移。
func (m *Manager) UpdateOffset(exchangeID string, serverTimeMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.get(exchangeID)
	st.offset = serverTimeMs - m.now().UnixMilli()
	st.serverTime = time.UnixMilli(serverTimeMs).UTC()

	m.logger.Debug("已校正交易所时钟偏移",
		zap.String("exchange", exchangeID),
		zap.Int64("offset_ms", st.offset),
	)
}

// Offset 返回当前时钟偏移（毫秒）。
func (m *Manager) Offset(exchangeID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(exchangeID).offset
}

// IsConflict 判断错误是否为 nonce/时间戳冲突。
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"nonce", "timestamp", "recvwindow"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// HandleConflict 处理 nonce 冲突：若能从报错中解析出服务器时间则
// 据此重新校正并清零 lastNonce（下一个 nonce 回到时钟驱动）；
// 否则按固定步长盲调偏移，尽力而为。
func (m *Manager) HandleConflict(exchangeID string, err error) {
	if err == nil {
		return
	}

	if raw := timestampPattern.FindString(err.Error()); raw != "" {
		if serverMs, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			m.UpdateOffset(exchangeID, serverMs)

			m.mu.Lock()
			m.get(exchangeID).lastNonce = 0
			m.mu.Unlock()

			m.logger.Warn("nonce冲突，已按报错中的服务器时间重新同步",
				zap.String("exchange", exchangeID),
				zap.Int64("server_ms", serverMs),
			)
			return
		}
	}

	m.mu.Lock()
	st := m.get(exchangeID)
	st.offset += m.stepMs
	offset := st.offset
	m.mu.Unlock()

	m.logger.Warn("nonce冲突且无法解析服务器时间，盲调时钟偏移",
		zap.String("exchange", exchangeID),
		zap.Int64("offset_ms", offset),
	)
}
