// Package event provides an in-memory implementation of the plugin.EventBus interface.
package event

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/bote/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.EventBus = (*Bus)(nil)

// Bus is an in-memory event bus implementing plugin.EventBus.
// Emit is synchronous: handlers run one after another in the caller's
// goroutine, ascending by priority, ties in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription        // topic -> handlers, kept sorted
	topics   map[plugin.SubscriptionID]string // id -> topic
	logger   *zap.Logger
}

type subscription struct {
	id       plugin.SubscriptionID
	owner    string
	priority int
	handler  plugin.EventHandler
	cancel   func() // run when removed by Unsubscribe or owner cleanup
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]subscription),
		topics:   make(map[plugin.SubscriptionID]string),
		logger:   logger,
	}
}

// ClampPriority applies the bus priority bounds.
func ClampPriority(p int) int {
	switch {
	case p > plugin.MaxPriority:
		return plugin.MaxPriority
	case p < 0:
		return 0
	}
	return p
}

// Subscribe registers a handler for a topic on behalf of owner.
func (b *Bus) Subscribe(owner, topic string, handler plugin.EventHandler, opts ...plugin.SubscribeOption) plugin.SubscriptionID {
	o := plugin.SubscribeOptions{Priority: plugin.DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}
	id := newID(owner)
	b.add(topic, subscription{id: id, owner: owner, priority: ClampPriority(o.Priority), handler: handler})
	return id
}

// Once returns a channel that receives the next event on topic. The
// subscription runs at priority 0 and removes itself before delivering.
// If the subscription is removed before any event arrives, the channel is
// closed without a value.
func (b *Bus) Once(owner, topic string) <-chan plugin.Event {
	ch := make(chan plugin.Event, 1)
	id := newID(owner)
	var fired sync.Once
	b.add(topic, subscription{
		id:       id,
		owner:    owner,
		priority: 0,
		handler: func(_ context.Context, ev plugin.Event) error {
			fired.Do(func() {
				b.remove(id)
				ch <- ev
				close(ch)
			})
			return nil
		},
		cancel: func() {
			fired.Do(func() { close(ch) })
		},
	})
	return ch
}

func (b *Bus) add(topic string, s subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[topic]
	// Insert after every entry with priority <= s.priority so ties keep
	// subscription order.
	i := len(subs)
	for i > 0 && subs[i-1].priority > s.priority {
		i--
	}
	b.handlers[topic] = slices.Insert(slices.Clip(subs), i, s)
	b.topics[s.id] = topic

	b.logger.Debug("subscribed",
		zap.String("owner", s.owner),
		zap.String("topic", topic),
		zap.Int("priority", s.priority),
	)
}

// Unsubscribe removes a single subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id plugin.SubscriptionID) bool {
	s, ok := b.remove(id)
	if ok && s.cancel != nil {
		s.cancel()
	}
	return ok
}

func (b *Bus) remove(id plugin.SubscriptionID) (subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[id]
	if !ok {
		return subscription{}, false
	}
	delete(b.topics, id)
	var removed subscription
	b.handlers[topic] = slices.DeleteFunc(slices.Clone(b.handlers[topic]), func(s subscription) bool {
		if s.id == id {
			removed = s
			return true
		}
		return false
	})
	if len(b.handlers[topic]) == 0 {
		delete(b.handlers, topic)
	}
	return removed, true
}

// UnsubscribeAllForOwner removes every subscription held by owner and
// returns how many were removed.
func (b *Bus) UnsubscribeAllForOwner(owner string) int {
	var cancels []func()
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for topic, subs := range b.handlers {
		kept := make([]subscription, 0, len(subs))
		for _, s := range subs {
			if s.owner == owner {
				delete(b.topics, s.id)
				if s.cancel != nil {
					cancels = append(cancels, s.cancel)
				}
				removed++
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(b.handlers, topic)
		} else {
			b.handlers[topic] = kept
		}
	}
	if removed > 0 {
		b.logger.Debug("owner unsubscribed",
			zap.String("owner", owner),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// Subscriptions returns the ids currently held by owner.
func (b *Bus) Subscriptions(owner string) []plugin.SubscriptionID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []plugin.SubscriptionID
	for _, subs := range b.handlers {
		for _, s := range subs {
			if s.owner == owner {
				ids = append(ids, s.id)
			}
		}
	}
	return ids
}

// Emit delivers payload to every handler subscribed to topic, awaiting each
// before invoking the next. Cancellation is advisory: a cancelled payload
// still reaches the remaining handlers and is reported through the Outcome.
// A handler error aborts the chain and is returned.
func (b *Bus) Emit(ctx context.Context, sender, topic string, payload any) (plugin.Outcome, error) {
	b.mu.RLock()
	subs := slices.Clone(b.handlers[topic])
	b.mu.RUnlock()

	eventsEmitted.WithLabelValues(topic).Inc()

	ev := plugin.Event{
		Topic:     topic,
		Source:    sender,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	for _, s := range subs {
		if err := b.safeCall(ctx, s, ev); err != nil {
			handlerErrors.WithLabelValues(topic).Inc()
			return outcome(payload), fmt.Errorf("event %s: handler %s: %w", topic, s.id, err)
		}
	}
	return outcome(payload), nil
}

func (b *Bus) safeCall(ctx context.Context, s subscription, ev plugin.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", ev.Topic),
				zap.String("owner", s.owner),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

func outcome(payload any) plugin.Outcome {
	if c, ok := payload.(plugin.Cancelable); ok && c.Cancelled() {
		return plugin.Cancelled
	}
	return plugin.Proceeded
}

func newID(owner string) plugin.SubscriptionID {
	return plugin.SubscriptionID(owner + ":" + uuid.NewString())
}
