package tui

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type stepFetcher struct {
	mu       sync.Mutex
	statuses []models.OrderStatus
	calls    int
}

func (f *stepFetcher) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.calls++
	return &models.Order{ID: id, Status: f.statuses[i], UpdatedAt: time.Unix(int64(f.calls), 0)}, nil
}

// drive runs the watch's message loop the way bubbletea would.
func drive(t *testing.T, m *WatchModel) {
	t.Helper()
	cmd := m.waitForOrder()
	for cmd != nil {
		msg := cmd()
		if msg == nil {
			return
		}
		cmd = m.Update(msg)
	}
}

func TestWatchModel_StopsOnTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &stepFetcher{statuses: []models.OrderStatus{
		models.OrderStatusQueued, models.OrderStatusRunning, models.OrderStatusFailed,
	}}
	m := NewWatchModel(context.Background(), f, "ord-1", time.Millisecond)
	drive(t, m)

	require.True(t, m.Terminal())
	assert.Equal(t, models.OrderStatusFailed, m.last.Status)
	assert.Contains(t, m.View(80, 24), "FAILED")

	m.Stop()
	m.Stop()
	f.mu.Lock()
	assert.Equal(t, 3, f.calls)
	f.mu.Unlock()
}

func TestWatchModel_StopBeforeTerminal(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := &stepFetcher{statuses: []models.OrderStatus{models.OrderStatusRunning}}
	m := NewWatchModel(context.Background(), f, "ord-2", time.Millisecond)

	msg := m.waitForOrder()()
	m.Update(msg)
	require.NotNil(t, m.last)
	assert.False(t, m.Terminal())

	m.Stop()
	assert.Nil(t, m.waitForOrder()(), "wait returns once stopped")
	assert.Contains(t, m.View(80, 24), "watch stopped")
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"service=web", "lines=50"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"service": "web", "lines": "50"}, params)

	_, err = parseParams([]string{"oops"})
	assert.Error(t, err)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", tail("a", 5))
}
