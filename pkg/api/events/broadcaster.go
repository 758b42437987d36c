// Package events fans conversation and relationship changes out to live
// websocket subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/storage"
)

// Event types.
const (
	TypeMessage             = "conversation.message"
	TypeReply               = "conversation.reply"
	TypeSummarized          = "conversation.summarized"
	TypeRelationshipUpdated = "relationship.updated"
)

// Event is the envelope delivered to subscribers. UserID scopes delivery;
// ConversationID is empty for relationship events.
type Event struct {
	Type           string    `json:"type"`
	UserID         string    `json:"-"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CharacterID    string    `json:"character_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload"`
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// ForUser matches every event of userID.
func ForUser(userID string) Filter {
	return func(e Event) bool { return e.UserID == userID }
}

type subscription struct {
	ch     chan Event
	filter Filter
}

// Broadcaster delivers events to in-process subscribers. Delivery never
// blocks; a full subscriber misses the event.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]subscription
	dropped     atomic.Int64
	now         func() time.Time
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]subscription),
		now:         time.Now,
	}
}

// Subscribe returns a channel receiving the events accepted by filter. A
// nil filter accepts everything.
func (b *Broadcaster) Subscribe(buffer int, filter Filter) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = subscription{ch: ch, filter: filter}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast delivers event to every matching subscriber.
func (b *Broadcaster) Broadcast(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// BroadcastMessage announces a persisted message.
func (b *Broadcaster) BroadcastMessage(userID string, conv *storage.Conversation, m *storage.Message) {
	t := TypeMessage
	if m.Sender == storage.SenderCharacter {
		t = TypeReply
	}
	b.Broadcast(Event{
		Type:           t,
		UserID:         userID,
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		Payload:        m,
	})
}

// BroadcastSummary announces a new rolling summary.
func (b *Broadcaster) BroadcastSummary(userID string, conv *storage.Conversation, s *storage.Summary) {
	b.Broadcast(Event{
		Type:           TypeSummarized,
		UserID:         userID,
		ConversationID: conv.ID,
		CharacterID:    conv.CharacterID,
		Payload:        s,
	})
}

// RelationshipChange is the payload of TypeRelationshipUpdated.
type RelationshipChange struct {
	Affinity     float64       `json:"affinity"`
	Tier         affinity.Tier `json:"relationship_type"`
	PreviousTier affinity.Tier `json:"previous_type,omitempty"`
	Tone         string        `json:"tone"`
}

// BroadcastRelationship announces a relationship change. previous is the
// tier before the change, empty when unknown.
func (b *Broadcaster) BroadcastRelationship(r *storage.Relationship, previous affinity.Tier) {
	change := RelationshipChange{
		Affinity: r.Affinity,
		Tier:     r.Type,
		Tone:     affinity.ToneLabel(r.Affinity),
	}
	if previous != r.Type {
		change.PreviousTier = previous
	}
	b.Broadcast(Event{
		Type:        TypeRelationshipUpdated,
		UserID:      r.UserID,
		CharacterID: r.CharacterID,
		Payload:     change,
	})
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
