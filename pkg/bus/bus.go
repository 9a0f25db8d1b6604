// Package bus provides the internal pub/sub event bus.
//
// Topics use dotted namespaces with glob-style wildcards:
//
//	"task.created"  exact match
//	"task.*"        matches "task.created", "task.abc.started", ...
//
// Supported topic prefixes: task, approval, session, channel, routine, memory.
package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Handler receives published events. Handlers for one publish run
// concurrently; deliveries to a single subscription are FIFO across
// publishes.
type Handler func(ctx context.Context, topic string, data any)

type delivery struct {
	ctx   context.Context
	topic string
	data  any
	done  chan struct{}
}

// subscription is one (pattern, handler) pair with its own delivery queue,
// which preserves per-subscription ordering across publishes.
type subscription struct {
	pattern   string
	handler   Handler
	handlerID uintptr
	queue     chan delivery
	stop      chan struct{}
}

func (s *subscription) run(logger *slog.Logger) {
	for {
		select {
		case d := <-s.queue:
			s.invoke(logger, d)
		case <-s.stop:
			// Drain anything already queued so publishers waiting on
			// done channels are released.
			for {
				select {
				case d := <-s.queue:
					close(d.done)
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) invoke(logger *slog.Logger, d delivery) {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panic",
				"topic", d.topic,
				"pattern", s.pattern,
				"panic", r)
		}
	}()
	s.handler(d.ctx, d.topic, d.data)
}

// EventBus is an in-process pub/sub bus with wildcard topic matching.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger *slog.Logger
}

// New creates an empty event bus.
func New(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger.With("component", "bus")}
}

func handlerID(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Subscribe registers a handler for a topic pattern. Subscribing the same
// (pattern, handler) pair twice is a no-op.
func (b *EventBus) Subscribe(pattern string, handler Handler) {
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.pattern == pattern && s.handlerID == id {
			return
		}
	}

	sub := &subscription{
		pattern:   pattern,
		handler:   handler,
		handlerID: id,
		queue:     make(chan delivery, 64),
		stop:      make(chan struct{}),
	}
	b.subs = append(b.subs, sub)
	go sub.run(b.logger)

	b.logger.Debug("bus subscribe", "pattern", pattern)
}

// Unsubscribe removes a previously registered (pattern, handler) pair.
// Removing an absent pair is a no-op.
func (b *EventBus) Unsubscribe(pattern string, handler Handler) {
	id := handlerID(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.pattern == pattern && s.handlerID == id {
			close(s.stop)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			b.logger.Debug("bus unsubscribe", "pattern", pattern)
			return
		}
	}
}

// Publish delivers an event to every subscription whose pattern matches the
// topic. The matching set is snapshotted before dispatch, handlers run
// concurrently, and Publish returns once all of them have finished. Handler
// panics are logged and do not affect other handlers or the publisher.
func (b *EventBus) Publish(ctx context.Context, topic string, data any) {
	b.mu.RLock()
	var matched []*subscription
	for _, s := range b.subs {
		if ok, err := doublestar.Match(s.pattern, topic); err == nil && ok {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	dones := make([]chan struct{}, 0, len(matched))
	for _, s := range matched {
		d := delivery{ctx: ctx, topic: topic, data: data, done: make(chan struct{})}
		select {
		case s.queue <- d:
			dones = append(dones, d.done)
		case <-s.stop:
		}
	}
	for _, done := range dones {
		<-done
	}
}

// SubscriberCount returns the number of active (pattern, handler) pairs.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Patterns returns the currently subscribed patterns.
func (b *EventBus) Patterns() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.subs))
	patterns := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		if _, ok := seen[s.pattern]; ok {
			continue
		}
		seen[s.pattern] = struct{}{}
		patterns = append(patterns, s.pattern)
	}
	return patterns
}
