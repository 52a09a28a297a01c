package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order-engine/internal/account"
	"order-engine/internal/event"
	"order-engine/internal/exchange"
	"order-engine/internal/nonce"
	"order-engine/internal/ratelimit"
)

// mockAdapter 按调用序号派发脚本化响应并记录全部调用。
type mockAdapter struct {
	mu          sync.Mutex
	calls       []string
	createCalls int
	cancelCalls int
	fetchCalls  int

	createPrices []float64

	createFn func(n int) (exchange.Order, error)
	cancelFn func(n int, orderID string) error
	fetchFn  func(n int, orderID string) (exchange.Order, error)
	tickerFn func(symbol string) (exchange.Ticker, error)
}

func (m *mockAdapter) CreateOrder(ctx context.Context, symbol, orderType, side string, amount, price float64, params map[string]interface{}) (exchange.Order, error) {
	m.mu.Lock()
	m.createCalls++
	n := m.createCalls
	m.calls = append(m.calls, "CreateOrder")
	m.createPrices = append(m.createPrices, price)
	fn := m.createFn
	m.mu.Unlock()

	if fn == nil {
		return exchange.Order{ID: "ex-1", Status: exchange.OrderStatusOpen, Amount: amount}, nil
	}
	return fn(n)
}

func (m *mockAdapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	m.mu.Lock()
	m.cancelCalls++
	n := m.cancelCalls
	m.calls = append(m.calls, "CancelOrder")
	fn := m.cancelFn
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(n, orderID)
}

func (m *mockAdapter) FetchOrder(ctx context.Context, orderID, symbol string) (exchange.Order, error) {
	m.mu.Lock()
	m.fetchCalls++
	n := m.fetchCalls
	m.calls = append(m.calls, "FetchOrder")
	fn := m.fetchFn
	m.mu.Unlock()

	if fn == nil {
		return exchange.Order{ID: orderID, Status: exchange.OrderStatusOpen}, nil
	}
	return fn(n, orderID)
}

func (m *mockAdapter) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "FetchTicker")
	fn := m.tickerFn
	m.mu.Unlock()

	if fn == nil {
		return exchange.Ticker{}, errors.New("no ticker configured")
	}
	return fn(symbol)
}

func (m *mockAdapter) FetchTime(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

func (m *mockAdapter) counts() (creates, cancels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.cancelCalls
}

func newTestExecutor(cfg Config, initialWait time.Duration) *Executor {
	limits := ratelimit.NewManager(initialWait, time.Minute, 2, nil)
	nonces := nonce.NewManager(time.Second, nil)
	accounts := account.NewManager(3, nil)
	return New(cfg, limits, nonces, accounts, event.NewBus(nil), nil)
}

func baseParams() OrderParams {
	return OrderParams{
		ExchangeID: "binanceusdm",
		Symbol:     "BTC/USDT",
		Side:       SideBuy,
		Amount:     0.5,
		Price:      50_000,
	}
}

func closedOrder(id string, amount float64) exchange.Order {
	return exchange.Order{ID: id, Status: exchange.OrderStatusClosed, Filled: amount, Amount: amount}
}

func TestExecuteSmartLimitOrder_ImmediateFill(t *testing.T) {
	cfg := Config{UnfillTimeout: 200 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			return closedOrder(orderID, 0.5), nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	res, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("ExecuteSmartLimitOrder returned error: %v", err)
	}
	if res.FilledAmount != 0.5 {
		t.Errorf("expected filled amount 0.5, got %f", res.FilledAmount)
	}
	if res.ResubmitCount != 0 {
		t.Errorf("expected no resubmits, got %d", res.ResubmitCount)
	}

	creates, cancels := adapter.counts()
	if creates != 1 || cancels != 0 {
		t.Errorf("expected 1 create and 0 cancels, got %d/%d", creates, cancels)
	}

	stats := exec.GetStats()
	if stats.FilledOrders != 1 || stats.TotalOrders != 1 || stats.ActiveOrders != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecuteSmartLimitOrder_FillsBeforeTimeout(t *testing.T) {
	cfg := Config{UnfillTimeout: 200 * time.Millisecond, CheckInterval: 50 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			if n <= 2 {
				return exchange.Order{ID: orderID, Status: exchange.OrderStatusOpen, Filled: 0.1}, nil
			}
			return closedOrder(orderID, 0.5), nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	res, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("ExecuteSmartLimitOrder returned error: %v", err)
	}
	if res.ResubmitCount != 0 {
		t.Errorf("expected fill before timeout without resubmit, got %d", res.ResubmitCount)
	}

	creates, cancels := adapter.counts()
	if creates != 1 || cancels != 0 {
		t.Errorf("expected 1 create and 0 cancels, got %d/%d", creates, cancels)
	}
}

func TestExecuteSmartLimitOrder_ExhaustsAttempts(t *testing.T) {
	cfg := Config{UnfillTimeout: 30 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{} // 默认响应：永远 open
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	_, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", exhausted.Attempts)
	}

	// 恰好 3 次提交、2 次中间撤单：最后一次尝试不再撤单。
	creates, cancels := adapter.counts()
	if creates != 3 || cancels != 2 {
		t.Errorf("expected 3 creates and 2 cancels, got %d/%d", creates, cancels)
	}

	// 追价：买单价格单调上调。
	adapter.mu.Lock()
	prices := append([]float64(nil), adapter.createPrices...)
	adapter.mu.Unlock()
	for i := 1; i < len(prices); i++ {
		if prices[i] <= prices[i-1] {
			t.Errorf("expected chased buy price to increase, got %v", prices)
		}
	}

	stats := exec.GetStats()
	if stats.FailedOrders != 1 || stats.ResubmitCount != 2 || stats.ActiveOrders != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestExecuteSmartLimitOrder_RecoversFromRateLimit(t *testing.T) {
	const initialWait = 40 * time.Millisecond
	cfg := Config{UnfillTimeout: 200 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, initialWait)

	adapter := &mockAdapter{
		createFn: func(n int) (exchange.Order, error) {
			if n == 1 {
				return exchange.Order{}, errors.New("429 Too Many Requests")
			}
			return exchange.Order{ID: "ex-1", Status: exchange.OrderStatusOpen}, nil
		},
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			return closedOrder(orderID, 0.5), nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	start := time.Now()
	res, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("expected order to fill after rate-limit recovery, got %v", err)
	}
	if res.ResubmitCount != 0 {
		t.Errorf("rate-limit retry must not consume the attempt budget, got resubmits %d", res.ResubmitCount)
	}
	if elapsed < initialWait {
		t.Errorf("expected elapsed >= %v (backoff wait), got %v", initialWait, elapsed)
	}

	creates, _ := adapter.counts()
	if creates != 2 {
		t.Errorf("expected 2 create calls, got %d", creates)
	}

	stats := exec.GetStats()
	if stats.RateLimitHits != 1 {
		t.Errorf("expected 1 rate-limit hit, got %d", stats.RateLimitHits)
	}
}

func TestExecuteSmartLimitOrder_GenericErrorConsumesBudget(t *testing.T) {
	cfg := Config{UnfillTimeout: 100 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 2}
	exec := newTestExecutor(cfg, time.Second)

	submitErr := errors.New("Account has insufficient balance for requested action")
	adapter := &mockAdapter{
		createFn: func(n int) (exchange.Order, error) {
			return exchange.Order{}, submitErr
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	_, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	// 原始错误保留，可经 Unwrap 取回。
	if !errors.Is(err, submitErr) {
		t.Errorf("expected underlying error preserved, got %v", exhausted.Err)
	}

	creates, cancels := adapter.counts()
	if creates != 2 || cancels != 0 {
		t.Errorf("expected 2 creates and 0 cancels, got %d/%d", creates, cancels)
	}
}

func TestExecuteSmartLimitOrder_BenignCancelRace(t *testing.T) {
	cfg := Config{UnfillTimeout: 30 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 2}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{
		cancelFn: func(n int, orderID string) error {
			return errors.New("order already filled")
		},
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			if n <= 3 {
				return exchange.Order{ID: orderID, Status: exchange.OrderStatusOpen}, nil
			}
			return closedOrder(orderID, 0.5), nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	res, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("benign cancel error must not fail the order: %v", err)
	}
	if res.ResubmitCount != 1 {
		t.Errorf("expected 1 resubmit, got %d", res.ResubmitCount)
	}
}

func TestExecuteSmartLimitOrder_PostOnlyTracksBook(t *testing.T) {
	cfg := Config{
		UnfillTimeout:       30 * time.Millisecond,
		CheckInterval:       10 * time.Millisecond,
		MaxResubmitAttempts: 2,
		MakerPriceOffset:    0.001,
	}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{
		tickerFn: func(symbol string) (exchange.Ticker, error) {
			return exchange.Ticker{Symbol: symbol, Bid: 50_900, Ask: 51_000}, nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	params := baseParams()
	params.PostOnly = true
	_, _ = exec.ExecuteSmartLimitOrder(context.Background(), params)

	adapter.mu.Lock()
	prices := append([]float64(nil), adapter.createPrices...)
	adapter.mu.Unlock()

	if len(prices) != 2 {
		t.Fatalf("expected 2 submits, got %d", len(prices))
	}
	want := 51_000 * (1 - cfg.MakerPriceOffset)
	if diff := prices[1] - want; diff < -1e-6 || diff > 1e-6 {
		t.Errorf("expected resubmit at ask*(1-offset)=%f, got %f", want, prices[1])
	}
}

func TestExecuteMarketOrder_SingleSubmit(t *testing.T) {
	exec := newTestExecutor(Config{}, time.Second)

	adapter := &mockAdapter{
		createFn: func(n int) (exchange.Order, error) {
			return exchange.Order{ID: "ex-1", Status: exchange.OrderStatusClosed, Filled: 0.5}, nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	params := baseParams()
	params.Price = 0
	res, err := exec.ExecuteMarketOrder(context.Background(), params)
	if err != nil {
		t.Fatalf("ExecuteMarketOrder returned error: %v", err)
	}
	if res.FilledAmount != 0.5 {
		t.Errorf("expected fill 0.5, got %f", res.FilledAmount)
	}

	creates, cancels := adapter.counts()
	if creates != 1 || cancels != 0 {
		t.Errorf("expected single submit and no cancels, got %d/%d", creates, cancels)
	}
	if stats := exec.GetStats(); stats.FilledOrders != 1 {
		t.Errorf("expected filledOrders 1, got %+v", stats)
	}
}

func TestExecute_UnknownExchange(t *testing.T) {
	exec := newTestExecutor(Config{}, time.Second)

	if _, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams()); !errors.Is(err, ErrExchangeNotFound) {
		t.Fatalf("expected ErrExchangeNotFound, got %v", err)
	}
	if _, err := exec.ExecuteMarketOrder(context.Background(), baseParams()); !errors.Is(err, ErrExchangeNotFound) {
		t.Fatalf("expected ErrExchangeNotFound, got %v", err)
	}
}

func TestStop_RejectsNewOrders(t *testing.T) {
	exec := newTestExecutor(Config{}, time.Second)
	exec.Stop()

	if _, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestCancelOrder_MissingReturnsFalse(t *testing.T) {
	exec := newTestExecutor(Config{}, time.Second)
	if exec.CancelOrder(context.Background(), "missing") {
		t.Fatalf("expected false for unknown clientOrderId")
	}
}

func TestCancelAllOrders_FiltersBySymbol(t *testing.T) {
	cfg := Config{UnfillTimeout: time.Second, CheckInterval: 50 * time.Millisecond, MaxResubmitAttempts: 1}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{} // 永远 open，保持活跃
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	var wg sync.WaitGroup
	for _, symbol := range []string{"BTC/USDT", "BTC/USDT", "ETH/USDT"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			p := baseParams()
			p.Symbol = symbol
			_, _ = exec.ExecuteSmartLimitOrder(context.Background(), p)
		}(symbol)
	}

	// 等待全部订单进入监控阶段。
	deadline := time.Now().Add(time.Second)
	for {
		if len(exec.GetActiveOrders()) == 3 {
			adapter.mu.Lock()
			submitted := adapter.createCalls == 3
			adapter.mu.Unlock()
			if submitted {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("orders never became active: %d", len(exec.GetActiveOrders()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if canceled := exec.CancelAllOrders(context.Background(), "", "BTC/USDT"); canceled != 2 {
		t.Errorf("expected 2 canceled BTC orders, got %d", canceled)
	}
	if canceled := exec.CancelAllOrders(context.Background(), "", ""); canceled != 1 {
		t.Errorf("expected 1 remaining order canceled, got %d", canceled)
	}

	wg.Wait()

	if stats := exec.GetStats(); stats.CanceledOrders != 3 {
		t.Errorf("expected 3 canceled orders, got %+v", stats)
	}
}

func TestGetOrderStatus_ReturnsDeepCopy(t *testing.T) {
	cfg := Config{UnfillTimeout: time.Second, CheckInterval: 50 * time.Millisecond, MaxResubmitAttempts: 1}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		p := baseParams()
		p.Options = map[string]interface{}{"timeInForce": "GTC"}
		_, _ = exec.ExecuteSmartLimitOrder(context.Background(), p)
	}()

	var snapshot OrderInfo
	deadline := time.Now().Add(time.Second)
	for {
		orders := exec.GetActiveOrders()
		if len(orders) == 1 {
			snapshot = orders[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 篡改快照不得影响内部状态。
	snapshot.Options["timeInForce"] = "IOC"
	snapshot.Price = 1

	fresh, ok := exec.GetOrderStatus(snapshot.ClientOrderID)
	if !ok {
		t.Fatalf("expected active order to be visible")
	}
	if fresh.Options["timeInForce"] != "GTC" {
		t.Errorf("snapshot mutation leaked into internal state: %v", fresh.Options)
	}
	if fresh.Price != 50_000 {
		t.Errorf("expected internal price untouched, got %f", fresh.Price)
	}

	exec.CancelOrder(context.Background(), snapshot.ClientOrderID)
	<-done
}

func TestExternalCancelStopsExecution(t *testing.T) {
	cfg := Config{UnfillTimeout: time.Second, CheckInterval: 20 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	errCh := make(chan error, 1)
	go func() {
		_, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for len(exec.GetActiveOrders()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("order never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	id := exec.GetActiveOrders()[0].ClientOrderID

	if !exec.CancelOrder(context.Background(), id) {
		t.Fatalf("expected CancelOrder to succeed")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrOrderCanceled) {
			t.Fatalf("expected ErrOrderCanceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("execution did not observe the external cancel")
	}

	if len(exec.GetActiveOrders()) != 0 {
		t.Errorf("expected no active orders after cancel")
	}
}

// 外部撤单落在重提撤单之后、下一次提交之前：循环必须在重提前
// 察觉退出，不得再向交易所创建新订单。
func TestExternalCancelDuringResubmitWindow(t *testing.T) {
	cfg := Config{UnfillTimeout: 30 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	adapter := &mockAdapter{}
	adapter.cancelFn = func(n int, orderID string) error {
		if n == 1 {
			// 重提撤单执行期间，调用方并发发起主动撤单。
			orders := exec.GetActiveOrders()
			if len(orders) != 1 {
				t.Errorf("expected 1 active order at cancel time, got %d", len(orders))
			} else if !exec.CancelOrder(context.Background(), orders[0].ClientOrderID) {
				t.Errorf("expected external cancel to succeed")
			}
		}
		return nil
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	_, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	if !errors.Is(err, ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled, got %v", err)
	}

	creates, cancels := adapter.counts()
	if creates != 1 {
		t.Errorf("no exchange order may be created after the external cancel, got %d creates", creates)
	}
	if cancels != 2 {
		t.Errorf("expected resubmit cancel plus external cancel, got %d", cancels)
	}

	stats := exec.GetStats()
	if stats.CanceledOrders != 1 || stats.FailedOrders != 0 || stats.ResubmitCount != 0 || stats.ActiveOrders != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// 极端竞态：外部撤单恰好插在重提检查之后、新订单创建回执之前。
// 这笔刚创建的交易所订单已无人跟踪，必须被就地撤掉。
func TestExternalCancelOrphanedResubmitIsCanceled(t *testing.T) {
	cfg := Config{UnfillTimeout: 30 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}
	exec := newTestExecutor(cfg, time.Second)

	var (
		mu          sync.Mutex
		canceledIDs []string
	)
	adapter := &mockAdapter{}
	adapter.cancelFn = func(n int, orderID string) error {
		mu.Lock()
		canceledIDs = append(canceledIDs, orderID)
		mu.Unlock()
		return nil
	}
	adapter.createFn = func(n int) (exchange.Order, error) {
		if n == 2 {
			orders := exec.GetActiveOrders()
			if len(orders) == 1 {
				exec.CancelOrder(context.Background(), orders[0].ClientOrderID)
			}
		}
		return exchange.Order{ID: fmt.Sprintf("ex-%d", n), Status: exchange.OrderStatusOpen}, nil
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	_, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams())
	if !errors.Is(err, ErrOrderCanceled) {
		t.Fatalf("expected ErrOrderCanceled, got %v", err)
	}

	creates, _ := adapter.counts()
	if creates != 2 {
		t.Fatalf("expected 2 creates, got %d", creates)
	}

	mu.Lock()
	got := append([]string(nil), canceledIDs...)
	mu.Unlock()
	if len(got) == 0 || got[len(got)-1] != "ex-2" {
		t.Errorf("expected the untracked order ex-2 to be canceled, got %v", got)
	}

	if active := exec.GetActiveOrders(); len(active) != 0 {
		t.Errorf("expected no active orders, got %d", len(active))
	}
	if stats := exec.GetStats(); stats.FailedOrders != 0 || stats.CanceledOrders != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEventsEmittedInOrder(t *testing.T) {
	cfg := Config{UnfillTimeout: 200 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 3}

	limits := ratelimit.NewManager(time.Second, time.Minute, 2, nil)
	nonces := nonce.NewManager(time.Second, nil)
	accounts := account.NewManager(3, nil)
	bus := event.NewBus(nil)

	var mu sync.Mutex
	var types []event.Type
	bus.Subscribe(func(evt event.Event) {
		mu.Lock()
		types = append(types, evt.Type)
		mu.Unlock()
	})

	exec := New(cfg, limits, nonces, accounts, bus, nil)
	adapter := &mockAdapter{
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			return closedOrder(orderID, 0.5), nil
		},
	}
	exec.RegisterExchange(context.Background(), "binanceusdm", adapter, "")

	if _, err := exec.ExecuteSmartLimitOrder(context.Background(), baseParams()); err != nil {
		t.Fatalf("ExecuteSmartLimitOrder returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []event.Type{event.TypeOrderSubmitted, event.TypeOrderFilled}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: got %v, want %v", i, types[i], want[i])
		}
	}
}

func TestBuildParams_IncludesNonceAndFlags(t *testing.T) {
	cfg := Config{UnfillTimeout: 200 * time.Millisecond, CheckInterval: 10 * time.Millisecond, MaxResubmitAttempts: 1}
	exec := newTestExecutor(cfg, time.Second)

	var (
		mu       sync.Mutex
		captured map[string]interface{}
	)
	adapter := &mockAdapter{
		fetchFn: func(n int, orderID string) (exchange.Order, error) {
			return closedOrder(orderID, 0.5), nil
		},
	}
	adapter.createFn = func(n int) (exchange.Order, error) {
		return exchange.Order{ID: "ex-1", Status: exchange.OrderStatusOpen}, nil
	}

	wrapped := &paramCaptureAdapter{mockAdapter: adapter, capture: func(params map[string]interface{}) {
		mu.Lock()
		captured = params
		mu.Unlock()
	}}
	exec.RegisterExchange(context.Background(), "binanceusdm", wrapped, "")

	params := baseParams()
	params.PostOnly = true
	params.Options = map[string]interface{}{"timeInForce": "GTX"}
	if _, err := exec.ExecuteSmartLimitOrder(context.Background(), params); err != nil {
		t.Fatalf("ExecuteSmartLimitOrder returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if captured["clientOrderId"] == "" || captured["clientOrderId"] == nil {
		t.Errorf("expected clientOrderId param, got %v", captured)
	}
	if _, ok := captured["timestamp"].(int64); !ok {
		t.Errorf("expected int64 timestamp nonce, got %T", captured["timestamp"])
	}
	if captured["postOnly"] != true {
		t.Errorf("expected postOnly flag, got %v", captured["postOnly"])
	}
	if captured["timeInForce"] != "GTX" {
		t.Errorf("expected caller option preserved, got %v", captured["timeInForce"])
	}
}

type paramCaptureAdapter struct {
	*mockAdapter
	capture func(params map[string]interface{})
}

func (p *paramCaptureAdapter) CreateOrder(ctx context.Context, symbol, orderType, side string, amount, price float64, params map[string]interface{}) (exchange.Order, error) {
	p.capture(params)
	return p.mockAdapter.CreateOrder(ctx, symbol, orderType, side, amount, price, params)
}
