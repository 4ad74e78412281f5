package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/repository"
)

// Isolation declares which unit of work a handler runs in.
type Isolation int

const (
	// IndependentUnitOfWork handlers run after the publisher committed and open their own unit of work.
	IndependentUnitOfWork Isolation = iota
	// SameUnitOfWork handlers run inside the publisher's unit of work; their error aborts it.
	SameUnitOfWork
)

// Delivery declares how an independent handler is dispatched.
type Delivery int

const (
	// Critical handlers run synchronously on the publishing goroutine once the commit succeeded.
	Critical Delivery = iota
	// BestEffort handlers are handed to the bounded worker pool and may be dropped.
	BestEffort
)

// Handler processes an event. tx is nil for independent handlers.
type Handler func(ctx context.Context, tx repository.Tx, evt Event) error

// Subscription binds a handler to an event name.
type Subscription struct {
	Name      string
	Event     string
	Isolation Isolation
	Delivery  Delivery
	Handler   Handler
}

// Submitter accepts best-effort jobs.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context)) bool
}

// ErrInvalidSubscription rejects malformed subscriptions.
var ErrInvalidSubscription = errors.New("events: invalid subscription")

// Bus dispatches events to subscribers according to their isolation and delivery class.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Subscription
	pool   Submitter
	logger *zap.Logger
}

// NewBus builds a bus. pool may be nil, in which case best-effort handlers run inline.
func NewBus(pool Submitter, logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]Subscription),
		pool:   pool,
		logger: logger,
	}
}

// Subscribe registers sub.
func (b *Bus) Subscribe(sub Subscription) error {
	if sub.Event == "" || sub.Handler == nil {
		return fmt.Errorf("%w: event and handler are required", ErrInvalidSubscription)
	}
	if sub.Isolation == SameUnitOfWork && sub.Delivery == BestEffort {
		return fmt.Errorf("%w: %s: same-unit handlers must be critical", ErrInvalidSubscription, sub.Name)
	}
	b.mu.Lock()
	b.subs[sub.Event] = append(b.subs[sub.Event], sub)
	b.mu.Unlock()
	return nil
}

// On adapts a typed handler.
func On[T Event](fn func(ctx context.Context, tx repository.Tx, evt T) error) Handler {
	return func(ctx context.Context, tx repository.Tx, evt Event) error {
		typed, ok := evt.(T)
		if !ok {
			return fmt.Errorf("events: unexpected payload %T for %s", evt, evt.Name())
		}
		return fn(ctx, tx, typed)
	}
}

func (b *Bus) handlers(name string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Subscription(nil), b.subs[name]...)
}

// PublishInTx runs same-unit handlers inside tx and schedules independent handlers for after commit.
func (b *Bus) PublishInTx(ctx context.Context, tx repository.Tx, evt Event) error {
	for _, sub := range b.handlers(evt.Name()) {
		if sub.Isolation != SameUnitOfWork {
			continue
		}
		if err := sub.Handler(ctx, tx, evt); err != nil {
			return fmt.Errorf("events: %s handler %s: %w", evt.Name(), sub.Name, err)
		}
	}
	tx.AfterCommit(func() { b.Publish(ctx, evt) })
	return nil
}

// Publish dispatches evt to independent handlers. Critical handlers run in order before Publish
// returns; failures are logged and never returned to the publisher.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	ctx = repository.Detach(ctx)
	for _, sub := range b.handlers(evt.Name()) {
		if sub.Isolation != IndependentUnitOfWork {
			continue
		}
		sub := sub
		if sub.Delivery == BestEffort && b.pool != nil {
			b.pool.Submit(evt.Name()+"/"+sub.Name, func(jobCtx context.Context) {
				b.invoke(jobCtx, sub, evt)
			})
			continue
		}
		b.invoke(ctx, sub, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, sub Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", evt.Name()),
				zap.String("handler", sub.Name),
				zap.Any("panic", r),
			)
		}
	}()
	if err := sub.Handler(ctx, nil, evt); err != nil {
		b.logger.Error("event handler failed",
			zap.String("event", evt.Name()),
			zap.String("handler", sub.Name),
			zap.Error(err),
		)
	}
}
