package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FilteredSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(ConnectionLost, WentOffline)
	defer sub.Cancel()

	bus.Publish(Event{Type: ConnectionEstablished, PeerID: "p1"})
	bus.Publish(Event{Type: ConnectionLost, PeerID: "p2"})
	bus.Publish(Event{Type: WentOffline})

	evt := <-sub.C()
	assert.Equal(t, ConnectionLost, evt.Type)
	assert.Equal(t, "p2", evt.PeerID)

	evt = <-sub.C()
	assert.Equal(t, WentOffline, evt.Type)

	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}

func TestBus_EmptyFilterReceivesEverything(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Cancel()

	bus.Publish(Event{Type: RoomCreated, RoomID: "r1"})
	bus.Publish(Event{Type: OperationQueued, OperationID: "op1"})

	assert.Equal(t, RoomCreated, (<-sub.C()).Type)
	assert.Equal(t, OperationQueued, (<-sub.C()).Type)
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	sub.Cancel()
	sub.Cancel() // idempotent

	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing after cancel must not panic or block.
	bus.Publish(Event{Type: RoomExpired, RoomID: "r1"})
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EntityApplied)
	defer sub.Cancel()

	// Overflow the subscription buffer without draining it.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: EntityApplied, EntityID: "e"})
	}

	// The buffered prefix is still delivered.
	evt := <-sub.C()
	require.Equal(t, EntityApplied, evt.Type)
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Cancel()

	bus.Publish(Event{Type: DeviceJoined})
	evt := <-sub.C()
	assert.False(t, evt.At.IsZero())
}
