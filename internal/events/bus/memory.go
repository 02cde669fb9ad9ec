package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/logger"
)

const memoryBacklog = 256

// MemoryEventBus implements EventBus in process. Each subscription has its
// own delivery goroutine, so a subscriber sees events in publish order.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	logger *logger.Logger
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	handler EventHandler
	queue   chan delivery
	done    chan struct{}
	once    sync.Once
}

type delivery struct {
	ctx     context.Context
	subject string
	event   *Event
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log,
	}
}

// Publish hands the event to every matching subscriber. A subscriber whose
// backlog is full drops the event with a warning instead of blocking.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for sub := range b.subs {
		if !SubjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), subject: subject, event: event}:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("subject", subject),
				zap.String("pattern", sub.pattern))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: subject,
		handler: handler,
		queue:   make(chan delivery, memoryBacklog),
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if err := s.handler(d.ctx, d.event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", d.subject),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close stops every subscription; later publishes fail.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.stop()
	}
	b.subs = make(map[*memorySubscription]struct{})

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until Close
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
