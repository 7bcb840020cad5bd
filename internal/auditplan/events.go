package auditplan

import (
	"context"
	"sync"
	"time"
)

// EventKind labels a plan change.
type EventKind string

const (
	EventPlanCreated      EventKind = "plan.created"
	EventPlanTransitioned EventKind = "plan.transitioned"
	EventTeamChanged      EventKind = "plan.team_changed"
	EventScopeChanged     EventKind = "plan.scope_changed"
	EventRevisionCreated  EventKind = "revision.created"
	EventRevisionResolved EventKind = "revision.resolved"
)

// PlanEvent tells interested views that a plan changed and should be re-fetched.
type PlanEvent struct {
	PlanID PlanID    `json:"plan_id"`
	Kind   EventKind `json:"kind"`
	Status Status    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher fans plan events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt PlanEvent) error
}

// Broker is an in-process Publisher with per-plan subscriptions. Slow
// subscribers drop events rather than block publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
}

type subscription struct {
	plans map[PlanID]struct{}
	ch    chan PlanEvent
}

// NewBroker constructs a Broker with the given per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe registers interest in planIDs, or every plan when none are given.
// The returned cancel func closes the channel.
func (b *Broker) Subscribe(planIDs ...PlanID) (<-chan PlanEvent, func()) {
	sub := &subscription{ch: make(chan PlanEvent, b.buffer)}
	if len(planIDs) > 0 {
		sub.plans = make(map[PlanID]struct{}, len(planIDs))
		for _, id := range planIDs {
			sub.plans[id] = struct{}{}
		}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers evt to matching subscribers without blocking.
func (b *Broker) Publish(_ context.Context, evt PlanEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.plans != nil {
			if _, ok := sub.plans[evt.PlanID]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
