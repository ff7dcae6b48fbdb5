package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const testInterval = 5 * time.Millisecond

// scriptedFetcher replays a fixed list of results. Once the script runs out
// the last entry repeats.
type scriptedFetcher struct {
	mu      sync.Mutex
	script  []result
	calls   int
	callIDs []string
}

type result struct {
	status models.OrderStatus
	err    error
}

func (f *scriptedFetcher) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	f.callIDs = append(f.callIDs, orderID)

	r := f.script[i]
	if r.err != nil {
		return nil, r.err
	}
	return &models.Order{ID: orderID, Status: r.status, UpdatedAt: time.Unix(int64(f.calls), 0)}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func statuses(ss ...models.OrderStatus) []result {
	out := make([]result, len(ss))
	for i, s := range ss {
		out[i] = result{status: s}
	}
	return out
}

func TestRun_StopsAfterFirstTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(
		models.OrderStatusQueued, models.OrderStatusRunning, models.OrderStatusSucceeded,
	)}
	var seen []models.OrderStatus
	l := New(f, zap.NewNop(), Config{
		Interval: testInterval,
		OnUpdate: func(o models.Order) { seen = append(seen, o.Status) },
	})

	order, err := l.Run(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSucceeded, order.Status)
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, []models.OrderStatus{
		models.OrderStatusQueued, models.OrderStatusRunning, models.OrderStatusSucceeded,
	}, seen)

	time.Sleep(5 * testInterval)
	assert.Equal(t, 3, f.Calls())
}

func TestRun_ErrorsAreRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: []result{
		{err: errors.New("connection refused")},
		{status: models.OrderStatusRunning},
		{err: errors.New("502 bad gateway")},
		{status: models.OrderStatusFailed},
	}}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	order, err := l.Run(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFailed, order.Status)
	assert.Equal(t, 4, f.Calls())
}

func TestRun_FirstFetchIsImmediate(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(models.OrderStatusCancelled)}
	l := New(f, zap.NewNop(), Config{Interval: time.Hour})

	start := time.Now()
	order, err := l.Run(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRun_CancelReturnsLastObserved(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(models.OrderStatusRunning)}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	ctx, cancel := context.WithTimeout(context.Background(), 10*testInterval)
	defer cancel()

	order, err := l.Run(ctx, "ord-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, order)
	assert.Equal(t, models.OrderStatusRunning, order.Status)
}

func TestStart_ReturnsToIdleOnTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(
		models.OrderStatusQueued, models.OrderStatusRunning, models.OrderStatusSucceeded,
	)}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	l.Start(context.Background(), "ord-1")
	assert.Equal(t, "ord-1", l.OrderID())

	require.Eventually(t, func() bool { return l.State() == StateIdle }, time.Second, testInterval)
	time.Sleep(5 * testInterval)

	assert.Equal(t, 3, f.Calls())
	require.NotNil(t, l.Last())
	assert.Equal(t, models.OrderStatusSucceeded, l.Last().Status)
	l.Stop()
}

func TestStop_SuppressesFurtherFetches(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(models.OrderStatusRunning)}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	l.Start(context.Background(), "ord-1")
	assert.Equal(t, StatePolling, l.State())
	require.Eventually(t, func() bool { return f.Calls() >= 2 }, time.Second, testInterval)

	l.Stop()
	calls := f.Calls()
	assert.Equal(t, StateIdle, l.State())

	time.Sleep(5 * testInterval)
	assert.Equal(t, calls, f.Calls())
	require.NotNil(t, l.Last())
	assert.Equal(t, models.OrderStatusRunning, l.Last().Status)
}

func TestStart_ParentCancelStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(models.OrderStatusRunning)}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx, "ord-1")
	cancel()

	require.Eventually(t, func() bool { return l.State() == StateIdle }, time.Second, testInterval)
	l.Stop()
}

func TestStart_WhilePollingReplacesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &scriptedFetcher{script: statuses(models.OrderStatusRunning)}
	l := New(f, zap.NewNop(), Config{Interval: testInterval})

	l.Start(context.Background(), "ord-1")
	require.Eventually(t, func() bool { return f.Calls() >= 1 }, time.Second, testInterval)

	l.Start(context.Background(), "ord-2")
	f.mu.Lock()
	switched := len(f.callIDs)
	f.mu.Unlock()

	require.Eventually(t, func() bool { return f.Calls() >= switched+2 }, time.Second, testInterval)
	l.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.callIDs[switched:] {
		assert.Equal(t, "ord-2", id)
	}
	assert.Equal(t, "ord-2", l.OrderID())
}

func TestNew_DefaultInterval(t *testing.T) {
	l := New(&scriptedFetcher{}, nil, Config{})
	assert.Equal(t, DefaultInterval, l.interval)
}
