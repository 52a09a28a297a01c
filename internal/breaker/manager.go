package breaker

import (
	"sync"

	"go.uber.org/zap"
)

// Manager 是按名称索引的熔断器注册表，条目在首次使用时惰性创建，
// 并统一转发状态迁移回调。
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	defaults      Config
	onStateChange StateChangeFunc
	logger        *zap.Logger
}

// NewManager 创建熔断器注册表。
func NewManager(defaults Config, logger *zap.Logger, onStateChange StateChangeFunc) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		breakers:      make(map[string]*CircuitBreaker),
		defaults:      defaults.withDefaults(),
		onStateChange: onStateChange,
		logger:        logger,
	}
}

// Get 返回（必要时按默认配置创建）指定名称的熔断器。
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[name]
	if !ok {
		opts := make([]Option, 0, 1)
		if m.onStateChange != nil {
			opts = append(opts, WithStateChange(m.onStateChange))
		}
		cb = New(name, m.defaults, m.logger, opts...)
		m.breakers[name] = cb
	}
	return cb
}

// OpenBreakers 返回当前处于 OPEN 状态的熔断器名称。
func (m *Manager) OpenBreakers() []string {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	open := make([]string, 0)
	for _, cb := range breakers {
		if cb.State() == StateOpen {
			open = append(open, cb.Name())
		}
	}
	return open
}

// AllStats 返回全部熔断器的统计快照。
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	stats := make(map[string]Stats, len(breakers))
	for _, cb := range breakers {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// ResetAll 手动恢复全部熔断器。
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}
