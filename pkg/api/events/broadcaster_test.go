package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartline/heartline/pkg/affinity"
	"github.com/heartline/heartline/pkg/storage"
)

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestBroadcaster_FiltersByUser(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe(4, ForUser("alice"))
	all := b.Subscribe(4, nil)
	defer b.Close()

	conv := &storage.Conversation{ID: "c1", UserID: "bob", CharacterID: "luna"}
	b.BroadcastMessage("bob", conv, &storage.Message{ID: "m1", Sender: storage.SenderUser, Content: "hi"})

	e := receive(t, all)
	assert.Equal(t, TypeMessage, e.Type)
	assert.Equal(t, "c1", e.ConversationID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Len(t, alice, 0)
}

func TestBroadcaster_ReplyAndSummaryTypes(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(4, ForUser("alice"))
	conv := &storage.Conversation{ID: "c1", UserID: "alice", CharacterID: "luna"}

	b.BroadcastMessage("alice", conv, &storage.Message{ID: "m2", Sender: storage.SenderCharacter, Content: "hello"})
	b.BroadcastSummary("alice", conv, &storage.Summary{ID: "s1", ConversationID: "c1", Text: "they met"})

	assert.Equal(t, TypeReply, receive(t, ch).Type)
	assert.Equal(t, TypeSummarized, receive(t, ch).Type)
}

func TestBroadcaster_RelationshipChange(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(4, nil)

	r := &storage.Relationship{UserID: "alice", CharacterID: "luna", Affinity: 15, Type: affinity.TierAcquaintance}
	b.BroadcastRelationship(r, affinity.TierStranger)
	b.BroadcastRelationship(r, affinity.TierAcquaintance)

	first := receive(t, ch)
	require.Equal(t, TypeRelationshipUpdated, first.Type)
	change := first.Payload.(RelationshipChange)
	assert.Equal(t, affinity.TierStranger, change.PreviousTier)
	assert.Equal(t, "warm", change.Tone)

	second := receive(t, ch).Payload.(RelationshipChange)
	assert.Empty(t, second.PreviousTier, "unchanged tier carries no previous tier")

	body, err := json.Marshal(first)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "alice", "user id is never sent to clients")
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1, nil)

	b.Broadcast(Event{Type: TypeMessage})
	b.Broadcast(Event{Type: TypeMessage})

	assert.Len(t, ch, 1)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBroadcaster_UnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1, nil)
	other := b.Subscribe(1, nil)
	require.Equal(t, 2, b.Subscribers())

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	b.Close()
	_, open = <-other
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers())

	var nilBroadcaster *Broadcaster
	nilBroadcaster.Broadcast(Event{Type: TypeMessage})
}
