package account

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// queue 限制单个账户的并发在途操作数。
// semaphore.Weighted 的等待队列是先到先得的，容量成为约束时
// 排队任务按 FIFO 顺序获得执行权。
type queue struct {
	sem           *semaphore.Weighted
	maxConcurrent int64

	mu           sync.Mutex
	active       int
	pending      int
	lastActivity time.Time
}

// Status 为账户队列的只读快照。
type Status struct {
	Exists  bool
	Active  int
	Pending int
}

// Manager 按账户维护有界并发队列，账户条目在首次使用时惰性创建。
type Manager struct {
	mu       sync.Mutex
	accounts map[string]*queue

	defaultMaxConcurrent int64
	logger               *zap.Logger
	now                  func() time.Time
}

// NewManager 创建账户并发管理器。
func NewManager(maxConcurrentPerAccount int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrentPerAccount <= 0 {
		maxConcurrentPerAccount = 1
	}
	return &Manager{
		accounts:             make(map[string]*queue),
		defaultMaxConcurrent: int64(maxConcurrentPerAccount),
		logger:               logger,
		now:                  time.Now,
	}
}

// getQueue 返回（必要时创建）账户队列，maxConcurrent<=0 时使用默认上限。
func (m *Manager) getQueue(accountID string, maxConcurrent int64) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.accounts[accountID]
	if !ok {
		if maxConcurrent <= 0 {
			maxConcurrent = m.defaultMaxConcurrent
		}
		q = &queue{
			sem:           semaphore.NewWeighted(maxConcurrent),
			maxConcurrent: maxConcurrent,
			lastActivity:  m.now(),
		}
		m.accounts[accountID] = q
		m.logger.Debug("创建账户队列",
			zap.String("account", accountID),
			zap.Int64("max_concurrent", maxConcurrent),
		)
	}
	return q
}

// Execute 将任务提交到账户队列：在该账户活跃任务数低于上限时运行，
// 否则按提交顺序排队等待。返回值透传任务的执行结果。
func (m *Manager) Execute(ctx context.Context, accountID string, task func(ctx context.Context) error) error {
	q := m.getQueue(accountID, 0)

	q.mu.Lock()
	q.pending++
	q.lastActivity = m.now()
	q.mu.Unlock()

	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		return err
	}

	q.mu.Lock()
	q.pending--
	q.active++
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.active--
		q.lastActivity = m.now()
		q.mu.Unlock()
		q.sem.Release(1)
	}()

	return task(ctx)
}

// Status 返回账户队列状态。账户不存在时 Exists 为 false。
func (m *Manager) Status(accountID string) Status {
	m.mu.Lock()
	q, ok := m.accounts[accountID]
	m.mu.Unlock()

	if !ok {
		return Status{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Exists:  true,
		Active:  q.active,
		Pending: q.pending,
	}
}

// CleanupIdle 移除空闲超过阈值且无任何活跃/排队任务的账户条目，
// 返回被移除的数量。有活跃任务的账户永远不会被移除。
func (m *Manager) CleanupIdle(idleThreshold time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleThreshold)
	removed := 0
	for id, q := range m.accounts {
		q.mu.Lock()
		idle := q.active == 0 && q.pending == 0 && q.lastActivity.Before(cutoff)
		q.mu.Unlock()

		if idle {
			delete(m.accounts, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("清理空闲账户队列", zap.Int("removed", removed))
	}
	return removed
}
