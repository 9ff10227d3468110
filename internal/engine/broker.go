package engine

import (
	"log"
	"sync"
)

// EventType labels round lifecycle notifications.
type EventType string

const (
	EventRoundOpened   EventType = "round_opened"
	EventBetPlaced     EventType = "bet_placed"
	EventBetConfirmed  EventType = "bet_confirmed"
	EventBetRejected   EventType = "bet_rejected"
	EventRoundLocked   EventType = "round_locked"
	EventRoundResolved EventType = "round_resolved"
	EventTick          EventType = "tick"
	EventRoundSettled  EventType = "round_settled"
	EventRoundVoided   EventType = "round_voided"
)

// Event is a phase-change or display notification published to subscribers.
type Event struct {
	Type       EventType  `json:"type"`
	RoundID    uint64     `json:"round_id"`
	Phase      Phase      `json:"phase,omitempty"`
	Multiplier Multiplier `json:"multiplier,omitempty"`
	BetID      string     `json:"bet_id,omitempty"`
	Refunds    []Refund   `json:"refunds,omitempty"`
	Bets       []Bet      `json:"bets,omitempty"`
}

// Broker fans lifecycle events out to subscribers so the presentation layer
// can react to phase changes without polling the engine. Delivery to a slow
// subscriber is dropped rather than blocking the publisher.
type Broker struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a disposer that stops delivery and
// closes the channel. The disposer is safe to call more than once.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, dispose
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Printf("[ENGINE] subscriber buffer full, dropping %s event", e.Type)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
