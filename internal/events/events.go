// Package events provides the closed set of engine events and typed,
// cancellable subscriptions used across the sync components.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/device"
)

// Type tags an engine event.
type Type string

const (
	DeviceJoined          Type = "device-joined"
	DeviceLeft            Type = "device-left"
	ConnectionEstablished Type = "connection-established"
	ConnectionLost        Type = "connection-lost"
	RoomCreated           Type = "room-created"
	RoomJoined            Type = "room-joined"
	RoomExpired           Type = "room-expired"
	EngineError           Type = "error"
	WentOffline           Type = "went-offline"
	BackOnline            Type = "back-online"
	ReconnectionStarted   Type = "reconnection-started"
	ReconnectionAttempt   Type = "reconnection-attempt"
	ReconnectionFailed    Type = "reconnection-failed"
	OperationQueued       Type = "operation-queued"
	OperationProcessed    Type = "operation-processed"
	OperationFailed       Type = "operation-failed"
	OperationExpired      Type = "operation-expired"
	OperationEvicted      Type = "operation-evicted"
	ConflictResolved      Type = "conflict-resolved"
	EntityApplied         Type = "entity-applied"
)

// Event is one tagged occurrence. Only the fields relevant to the type
// are populated.
type Event struct {
	Type        Type
	At          time.Time
	Device      *device.Device
	RoomID      string
	PeerID      string
	EntityType  string
	EntityID    string
	OperationID string
	Attempt     int
	QueueLen    int
	Err         error
}

// Subscription is a live, cancellable handle onto the bus. Events arrive
// on C until Cancel is called.
type Subscription struct {
	id     int
	bus    *Bus
	ch     chan Event
	filter map[Type]struct{}
	once   sync.Once
}

// C returns the receive channel for the subscription.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (s *Subscription) wants(t Type) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling the
// engine's handlers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	buffer int
}

// NewBus creates a bus whose subscriptions buffer up to 64 events.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription), buffer: 64}
}

// Subscribe registers interest in the given event types. An empty type
// list subscribes to everything.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Event, b.buffer),
	}
	if len(types) > 0 {
		sub.filter = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.filter[t] = struct{}{}
		}
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

// Publish delivers the event to every matching subscription.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(e.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- e:
		default:
			log.Warn().
				Str("event_type", string(e.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}
