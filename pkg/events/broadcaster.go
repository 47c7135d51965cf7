// Package events fans scale events out to in-process subscribers such as
// websocket clients.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arpitnath/rag-queue-autoscale/pkg/autoscale"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Broadcaster delivers every published event to all matching subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	subs    *xsync.Map[uint64, *Subscription]
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *zap.Logger
}

func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   xsync.NewMap[uint64, *Subscription](),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription receives events on C until it is unsubscribed.
type Subscription struct {
	id       uint64
	workload string
	ch       chan autoscale.Event

	mu     sync.RWMutex
	closed bool
}

// C is closed once the subscription ends.
func (s *Subscription) C() <-chan autoscale.Event { return s.ch }

func (s *Subscription) matches(ev autoscale.Event) bool {
	return s.workload == "" || s.workload == "*" || s.workload == ev.Workload
}

// offer hands ev over without blocking.
func (s *Subscription) offer(ev autoscale.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe registers a subscriber for one workload; "" or "*" means all.
func (b *Broadcaster) Subscribe(workload string) *Subscription {
	s := &Subscription{
		id:       b.nextID.Add(1),
		workload: workload,
		ch:       make(chan autoscale.Event, b.buffer),
	}
	b.subs.Store(s.id, s)
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.subs.Delete(s.id)
	s.close()
}

// Publish implements autoscale.EventSink.
func (b *Broadcaster) Publish(_ context.Context, ev autoscale.Event) {
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		if s.matches(ev) && !s.offer(ev) {
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped",
				zap.Uint64("subscriber", s.id), zap.String("workload", ev.Workload))
		}
		return true
	})
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int { return b.subs.Size() }

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.subs.Range(func(id uint64, s *Subscription) bool {
		b.subs.Delete(id)
		s.close()
		return true
	})
}
