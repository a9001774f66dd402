package source

import (
	"context"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/extensivelabs/agentecs-viz/internal/observability"
	"github.com/extensivelabs/agentecs-viz/internal/schema"
)

const maxBroadcastWorkers = 8

// Subscription is one subscriber's bounded event queue. It is single-producer
// (the source's driver) and single-consumer (one session writer).
type Subscription struct {
	ch   chan schema.ServerEvent
	done chan struct{}
	once sync.Once
	hub  *Hub
}

// Events returns the subscriber's event stream. The channel is closed when
// the source disconnects; a subscriber that closed itself should stop
// selecting on it after Done fires.
func (s *Subscription) Events() <-chan schema.ServerEvent {
	return s.ch
}

// Done fires when the subscription has been released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases the subscription and removes it from the hub. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.hub != nil {
			s.hub.remove(s)
		}
	})
}

func (s *Subscription) deliver(evt schema.ServerEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- evt:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Hub fans events out to a set of per-subscriber bounded queues. Emission is
// non-blocking: an event that would overflow a subscriber's queue is dropped
// for that subscriber and logged, so a slow consumer never stalls the driver
// or its peers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	capacity    int
	closed      bool

	metrics hubMetrics
}

type hubMetrics struct {
	delivered   metric.Int64Counter
	dropped     metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	fanoutSize  metric.Int64Histogram
	duration    metric.Float64Histogram
}

// NewHub constructs a hub whose subscriber queues hold capacity events each.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1000
	}
	h := &Hub{
		subscribers: make(map[*Subscription]struct{}),
		capacity:    capacity,
	}
	meter := otel.Meter("agentecs-viz/hub")
	h.metrics.delivered, _ = meter.Int64Counter("hub.events.delivered",
		metric.WithDescription("Events enqueued to subscriber queues"))
	h.metrics.dropped, _ = meter.Int64Counter("hub.events.dropped",
		metric.WithDescription("Events dropped because a subscriber queue was full"))
	h.metrics.subscribers, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Live subscriber count"))
	h.metrics.fanoutSize, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Broadcast subscriber count"), metric.WithUnit("1"))
	h.metrics.duration, _ = meter.Float64Histogram("hub.broadcast.duration",
		metric.WithDescription("Event broadcast duration"), metric.WithUnit("ms"))
	return h
}

// Subscribe registers a fresh bounded queue.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		ch:   make(chan schema.ServerEvent, h.capacity),
		done: make(chan struct{}),
		hub:  h,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.done)
		close(sub.ch)
		return sub
	}
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	if h.metrics.subscribers != nil {
		h.metrics.subscribers.Add(context.Background(), 1)
	}
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	_, present := h.subscribers[sub]
	delete(h.subscribers, sub)
	h.mu.Unlock()
	if present && h.metrics.subscribers != nil {
		h.metrics.subscribers.Add(context.Background(), -1)
	}
}

// Len reports the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast enqueues the event to every live subscriber. Returns after every
// subscriber has been attempted; per-subscriber order is preserved because
// the driver broadcasts sequentially.
func (h *Hub) Broadcast(evt schema.ServerEvent) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	start := time.Now()
	workers := len(subs)
	if workers > maxBroadcastWorkers {
		workers = maxBroadcastWorkers
	}
	p := concpool.New().WithMaxGoroutines(workers)
	var droppedMu sync.Mutex
	dropped := 0
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			if !sub.deliver(evt) {
				droppedMu.Lock()
				dropped++
				droppedMu.Unlock()
			}
		})
	}
	p.Wait()

	if dropped > 0 {
		observability.Log().Warn("subscriber queue full, dropping event",
			observability.Field{Key: "event_type", Value: evt.EventType()},
			observability.Field{Key: "dropped", Value: dropped})
	}
	ctx := context.Background()
	if h.metrics.delivered != nil {
		h.metrics.delivered.Add(ctx, int64(len(subs)-dropped))
	}
	if dropped > 0 && h.metrics.dropped != nil {
		h.metrics.dropped.Add(ctx, int64(dropped))
	}
	if h.metrics.fanoutSize != nil {
		h.metrics.fanoutSize.Record(ctx, int64(len(subs)))
	}
	if h.metrics.duration != nil {
		h.metrics.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
}

// CloseAll releases every subscription and closes their channels so session
// writers observe end-of-stream. Must only be called once the driver has
// stopped broadcasting.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
		close(sub.ch)
		if h.metrics.subscribers != nil {
			h.metrics.subscribers.Add(context.Background(), -1)
		}
	}
}
