// Package poller watches a single order in the orders engine until it reaches
// a terminal status.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/models"
	"go.uber.org/zap"
)

// DefaultInterval is the delay between the end of one fetch and the start of
// the next.
const DefaultInterval = 2500 * time.Millisecond

// Fetcher reads the current snapshot of an order.
type Fetcher interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

// State of a Loop.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
)

// Config defines the loop configuration.
type Config struct {
	// Interval between fetches. Zero means DefaultInterval.
	Interval time.Duration
	// OnUpdate receives every observed snapshot, in fetch order.
	OnUpdate func(models.Order)
}

// Loop polls one order at a time. A Loop is safe for concurrent use.
type Loop struct {
	fetcher  Fetcher
	log      *zap.Logger
	interval time.Duration
	onUpdate func(models.Order)

	// ctl serializes Start and Stop.
	ctl sync.Mutex

	mu      sync.Mutex
	state   State
	orderID string
	last    *models.Order
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an idle loop.
func New(f Fetcher, log *zap.Logger, cfg Config) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		fetcher:  f,
		log:      log,
		interval: interval,
		onUpdate: cfg.OnUpdate,
		state:    StateIdle,
	}
}

// Start begins polling orderID. Any loop already running is stopped first.
// Cancelling ctx has the same effect as Stop.
func (l *Loop) Start(ctx context.Context, orderID string) {
	l.ctl.Lock()
	defer l.ctl.Unlock()
	l.stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.gen++
	gen := l.gen
	l.state = StatePolling
	l.orderID = orderID
	l.last = nil
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()

		_, err := l.poll(runCtx, orderID, func(o models.Order) {
			l.mu.Lock()
			if l.gen == gen {
				l.last = &o
			}
			l.mu.Unlock()
		})
		if err != nil {
			l.log.Debug("order poll stopped", zap.String("order_id", orderID), zap.Error(err))
		}

		l.mu.Lock()
		if l.gen == gen {
			l.state = StateIdle
			l.cancel = nil
		}
		l.mu.Unlock()
	}()
}

// Stop cancels the running loop, if any, and waits for it to exit. The last
// observed snapshot is kept.
func (l *Loop) Stop() {
	l.ctl.Lock()
	defer l.ctl.Unlock()
	l.stop()
}

func (l *Loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.state = StateIdle
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// State reports whether the loop is polling.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OrderID is the order most recently passed to Start.
func (l *Loop) OrderID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orderID
}

// Last returns a copy of the last observed snapshot, or nil.
func (l *Loop) Last() *models.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	o := *l.last
	return &o
}

// Run polls orderID in the calling goroutine and returns the terminal
// snapshot. When ctx is cancelled first it returns the last observed snapshot
// (possibly nil) and ctx.Err(). Run does not touch the Start/Stop state.
func (l *Loop) Run(ctx context.Context, orderID string) (*models.Order, error) {
	return l.poll(ctx, orderID, nil)
}

func (l *Loop) poll(ctx context.Context, orderID string, observe func(models.Order)) (*models.Order, error) {
	var last *models.Order

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		order, err := l.fetch(ctx, orderID)
		if ctx.Err() != nil {
			// Results that land after cancellation are discarded.
			return last, ctx.Err()
		}
		if err != nil {
			l.log.Warn("order fetch failed, retrying",
				zap.String("order_id", orderID),
				zap.Duration("interval", l.interval),
				zap.Error(err))
		} else {
			last = order
			if observe != nil {
				observe(*order)
			}
			if l.onUpdate != nil {
				l.onUpdate(*order)
			}
			if order.Status.IsTerminal() {
				l.log.Info("order reached terminal status",
					zap.String("order_id", orderID),
					zap.String("status", string(order.Status)))
				return order, nil
			}
		}

		timer.Reset(l.interval)
	}
}

func (l *Loop) fetch(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := l.fetcher.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: empty response", orderID)
	}
	return order, nil
}
