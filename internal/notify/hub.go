// Package notify fans change notifications out to observers subscribed to a
// locator. Delivery is synchronous on the notifying goroutine; observers that
// need to do slow work should hand it off.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/amanthanvi/strongbox/internal/locator"
)

type Operation string

const (
	OpInsert     Operation = "insert"
	OpBulkInsert Operation = "bulk_insert"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
)

// Change describes one committed mutation. Count is the number of rows the
// mutation reported, which may be zero.
type Change struct {
	Locator locator.Locator
	Op      Operation
	Count   int64
}

type Observer interface {
	OnChange(ctx context.Context, change Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, change Change)

func (f ObserverFunc) OnChange(ctx context.Context, change Change) { f(ctx, change) }

// Notifier is the side of the hub the dispatcher depends on.
type Notifier interface {
	Notify(ctx context.Context, change Change)
}

type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With(slog.String("component", "notify")),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscription is the token returned by Subscribe.
type Subscription struct {
	hub         *Hub
	id          uint64
	loc         locator.Locator
	descendants bool
	observer    Observer
	once        sync.Once
}

func (s *Subscription) Locator() locator.Locator { return s.loc }

// Cancel stops delivery. It is safe to call more than once and from inside
// the observer.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

// matches reports whether a change at changed concerns this subscription.
// A change to a table reaches subscribers of its rows; a change to a row
// reaches subscribers of the table only when they asked for descendants.
func (s *Subscription) matches(changed locator.Locator) bool {
	if changed.Contains(s.loc) {
		return true
	}
	return s.descendants && s.loc.Contains(changed)
}

// Subscribe registers observer for changes at loc. With descendants set the
// observer also sees changes to locators below loc.
func (h *Hub) Subscribe(loc locator.Locator, descendants bool, observer Observer) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		hub:         h,
		id:          h.nextID,
		loc:         loc,
		descendants: descendants,
		observer:    observer,
	}
	h.subs[sub.id] = sub
	return sub
}

// Notify delivers change to every matching observer in subscription order.
// A panicking observer is logged and skipped.
func (h *Hub) Notify(ctx context.Context, change Change) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.matches(change.Locator) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, sub := range targets {
		h.deliver(ctx, sub, change)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) deliver(ctx context.Context, sub *Subscription, change Change) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("change observer failed",
				slog.String("locator", change.Locator.String()),
				slog.String("op", string(change.Op)),
				slog.String("error", fmt.Sprint(r)),
			)
		}
	}()
	sub.observer.OnChange(ctx, change)
}
