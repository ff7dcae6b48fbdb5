// Package hub serializes order poll results and store change notifications
// through a single goroutine and fans them out to subscribers.
package hub

import (
	"context"
	"sync"

	"github.com/opsdeck/opsdeck/internal/models"
	"go.uber.org/zap"
)

const (
	defaultQueueSize  = 256
	defaultBufferSize = 64
)

// EventKind identifies the payload of an Event.
type EventKind string

const (
	EventOrder EventKind = "order"
	EventTable EventKind = "table"
)

// Event is what subscribers receive.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Order  *models.Order  `json:"order,omitempty"`
	Change *models.Change `json:"change,omitempty"`
}

// Config defines the hub configuration.
type Config struct {
	// QueueSize bounds the update queue. Publishers block when it is full.
	QueueSize int
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int
}

// Hub owns the order cache and the subscriber set. All state is touched only
// by the goroutine running Run.
type Hub struct {
	log     *zap.Logger
	bufSize int

	updates     chan Event
	subscribe   chan chan *Subscription
	unsubscribe chan *Subscription
	lookups     chan lookup
	done        chan struct{}
	doneOnce    sync.Once

	orders map[string]models.Order
	subs   map[*Subscription]struct{}
}

type lookup struct {
	id    string
	reply chan lookupResult
}

type lookupResult struct {
	order models.Order
	ok    bool
}

// Subscription delivers events until Close is called or the hub stops.
type Subscription struct {
	ch   chan Event
	hub  *Hub
	once sync.Once
}

// C is the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		select {
		case s.hub.unsubscribe <- s:
		case <-s.hub.done:
		}
	})
}

// New creates a hub. Call Run to start processing.
func New(log *zap.Logger, cfg Config) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Hub{
		log:         log,
		bufSize:     cfg.BufferSize,
		updates:     make(chan Event, cfg.QueueSize),
		subscribe:   make(chan chan *Subscription),
		unsubscribe: make(chan *Subscription),
		lookups:     make(chan lookup),
		done:        make(chan struct{}),
		orders:      make(map[string]models.Order),
		subs:        make(map[*Subscription]struct{}),
	}
}

// Run processes updates until ctx is cancelled. Subscriber channels are
// closed on exit. Run returns nil on a clean shutdown.
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.updates:
			h.apply(ev)
		case reply := <-h.subscribe:
			sub := &Subscription{ch: make(chan Event, h.bufSize), hub: h}
			h.subs[sub] = struct{}{}
			reply <- sub
		case sub := <-h.unsubscribe:
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		case q := <-h.lookups:
			o, ok := h.orders[q.id]
			q.reply <- lookupResult{order: o, ok: ok}
		}
	}
}

func (h *Hub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

// PublishOrder queues an order snapshot. It is a no-op once the hub stopped.
func (h *Hub) PublishOrder(o models.Order) {
	h.enqueue(Event{Kind: EventOrder, Order: &o})
}

// Notify queues a table change. Hub satisfies store.Notifier.
func (h *Hub) Notify(c models.Change) {
	h.enqueue(Event{Kind: EventTable, Change: &c})
}

func (h *Hub) enqueue(ev Event) {
	select {
	case h.updates <- ev:
	case <-h.done:
	}
}

// Subscribe registers a new subscriber. It returns nil if the hub stopped.
func (h *Hub) Subscribe() *Subscription {
	reply := make(chan *Subscription, 1)
	select {
	case h.subscribe <- reply:
		return <-reply
	case <-h.done:
		return nil
	}
}

// Order returns the cached snapshot for id.
func (h *Hub) Order(id string) (models.Order, bool) {
	reply := make(chan lookupResult, 1)
	select {
	case h.lookups <- lookup{id: id, reply: reply}:
		r := <-reply
		return r.order, r.ok
	case <-h.done:
		return models.Order{}, false
	}
}

// apply filters order snapshots through the cache. Table changes carry no
// cached state and are always broadcast.
func (h *Hub) apply(ev Event) {
	if ev.Kind == EventOrder && !h.acceptOrder(*ev.Order) {
		return
	}
	h.broadcast(ev)
}

// acceptOrder updates the cache and reports whether the snapshot is news.
func (h *Hub) acceptOrder(o models.Order) bool {
	cached, ok := h.orders[o.ID]
	if ok {
		if cached.Status == o.Status && cached.UpdatedAt.Equal(o.UpdatedAt) {
			return false
		}
		if cached.Status.IsTerminal() && !o.Status.IsTerminal() {
			h.log.Debug("dropping stale order snapshot",
				zap.String("order_id", o.ID),
				zap.String("cached", string(cached.Status)),
				zap.String("incoming", string(o.Status)))
			return false
		}
	}
	h.orders[o.ID] = o
	return true
}

func (h *Hub) broadcast(ev Event) {
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn("subscriber buffer full, dropping event", zap.String("kind", string(ev.Kind)))
		}
	}
}
