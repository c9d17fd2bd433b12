package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"wellness-planner/internal/logger"

	"github.com/google/uuid"
)

// Event names published by the plan engine.
const (
	PlanGenerated     = "PLAN_GENERATED"
	PlanUpgraded      = "PLAN_UPGRADED"
	PlanItemCompleted = "PLAN_ITEM_COMPLETED"
)

// Event is a single notification about a daily plan.
type Event struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Date    string         `json:"date"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
	Origin  string         `json:"origin,omitempty"`
}

// New builds an event stamped with a fresh id and the current time.
func New(name, date string, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Name:    name,
		Date:    date,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Handler receives events from a LocalBus.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	id      int
	name    string
	handler Handler
}

// LocalBus is an in-process, synchronous fan-out bus.
type LocalBus struct {
	log    *logger.Logger
	origin string

	mu     sync.RWMutex
	subs   []subscription
	nextID int
}

// NewLocalBus creates an empty bus. Every event emitted through it is stamped
// with the bus origin unless it already carries one.
func NewLocalBus(log *logger.Logger) *LocalBus {
	if log == nil {
		log = logger.Nop()
	}
	return &LocalBus{
		log:    log.With("component", "LocalBus"),
		origin: uuid.NewString(),
	}
}

// Origin identifies this process on shared transports.
func (b *LocalBus) Origin() string {
	return b.origin
}

// Subscribe registers h for events called name; an empty name receives all
// events. The returned func removes the subscription.
func (b *LocalBus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers e to every matching subscriber in registration order.
// A panicking handler is logged and does not stop delivery.
func (b *LocalBus) Emit(ctx context.Context, e Event) error {
	if e.Origin == "" {
		e.Origin = b.origin
	}
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == e.Name {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(ctx, h, e)
	}
	return nil
}

func (b *LocalBus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", e.Name, "panic", r)
		}
	}()
	h(ctx, e)
}

// Multi fans an event out to several emitters and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
