// Package rendezvous lets devices discover each other and exchange the
// connection handshake out of band. Two interchangeable strategies exist
// behind the same interface: a NATS message broker for cross-network use,
// and a shared-directory broadcast for fully offline LAN or single-machine
// testing. The strategy is chosen once at construction.
package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// Signaling errors
var (
	// ErrRoomNotFound indicates no live room exists with the given id.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomExpired indicates the room timed out from inactivity.
	ErrRoomExpired = errors.New("room expired")

	// ErrNotInRoom indicates the device has not joined a room.
	ErrNotInRoom = errors.New("not in a room")

	// ErrUnavailable indicates the rendezvous transport cannot be reached.
	ErrUnavailable = errors.New("rendezvous transport unavailable")
)

// Handler receives incoming signaling frames.
type Handler func(msg *wire.SignalingMessage)

// Rendezvous is the discovery/signaling contract.
type Rendezvous interface {
	// CreateRoom opens a new room hosted by the local device. addr is the
	// device's dialable transport address, shared with joiners.
	CreateRoom(ctx context.Context, host *device.Device, addr string) (*device.Room, error)

	// JoinRoom announces the local device to an existing room and returns
	// the room as known by the host.
	JoinRoom(ctx context.Context, roomID string, d *device.Device, addr string) (*device.Room, error)

	// LeaveRoom announces departure and detaches from the room. Hosts
	// leaving destroy the room.
	LeaveRoom(ctx context.Context) error

	// Relay sends a signaling frame to a single room member.
	Relay(ctx context.Context, targetID string, msg *wire.SignalingMessage) error

	// Announce sends a signaling frame to every room member.
	Announce(ctx context.Context, msg *wire.SignalingMessage) error

	// RefreshActivity marks the room alive; heartbeats call this so the
	// room does not hit its inactivity timeout.
	RefreshActivity(ctx context.Context) error

	// OnSignal registers a handler for incoming frames.
	OnSignal(h Handler)

	// Close detaches from any room and releases the strategy's resources.
	Close() error
}

// roomBook is the host-side view of a room: roster plus the dialable
// address of each member. Both strategies share it.
type roomBook struct {
	mu    sync.Mutex
	room  *device.Room
	addrs map[string]string
}

func newRoomBook(host *device.Device, addr string, now time.Time) *roomBook {
	return &roomBook{
		room:  device.NewRoom(host, now),
		addrs: map[string]string{host.ID: addr},
	}
}

func (b *roomBook) add(d *device.Device, addr string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room.Add(d)
	b.addrs[d.ID] = addr
	b.room.Touch(now)
}

func (b *roomBook) remove(deviceID string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room.Remove(deviceID)
	delete(b.addrs, deviceID)
	b.room.Touch(now)
}

func (b *roomBook) touch(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room.Touch(now)
}

func (b *roomBook) expired(now time.Time, timeout time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.room.Expired(now, timeout)
}

// snapshot returns a copy of the room and address book safe to serialize.
func (b *roomBook) snapshot() (*device.Room, map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := make(map[string]string, len(b.addrs))
	for id, a := range b.addrs {
		addrs[id] = a
	}
	return b.room.Clone(), addrs
}
