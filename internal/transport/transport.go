// Package transport establishes direct, ordered, reliable data channels
// between peers and moves opaque envelopes across them. It knows nothing
// about rooms or replication; rendezvous hands it peer addresses.
package transport

import (
	"context"
	"errors"

	"github.com/courtside/scoresync/internal/wire"
)

// State is the connection state of a single peer channel.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Transport errors
var (
	// ErrNotConnected indicates no open channel to the peer.
	ErrNotConnected = errors.New("peer not connected")

	// ErrConnectionTimeout indicates the connection attempt exceeded the
	// configured timeout. Callers route this to the reconnection path.
	ErrConnectionTimeout = errors.New("connection attempt timed out")

	// ErrClosed indicates the transport has been shut down.
	ErrClosed = errors.New("transport is closed")
)

// MessageHandler receives every envelope arriving from a peer. Handlers
// run sequentially per peer channel, preserving channel order.
type MessageHandler func(peerID string, env *wire.Envelope)

// StateHandler observes per-peer connection state transitions.
type StateHandler func(peerID string, state State)

// Transport is the peer data-channel contract. Delivery is in-order and
// reliable within one peer pair; ordering across peers is not guaranteed.
type Transport interface {
	// Start begins accepting inbound peer connections.
	Start(ctx context.Context) error

	// Addr returns the dialable address other peers use to reach this
	// device, valid after Start.
	Addr() string

	// Connect opens a channel to the peer at addr. On success a join
	// envelope carrying the local device is sent automatically.
	Connect(ctx context.Context, peerID, addr string) error

	// Send delivers one envelope to a connected peer.
	Send(peerID string, env *wire.Envelope) error

	// Broadcast delivers one envelope to every connected peer.
	Broadcast(env *wire.Envelope) error

	// Disconnect tears down the channel to one peer.
	Disconnect(peerID string) error

	// OnMessage registers an inbound envelope handler.
	OnMessage(h MessageHandler)

	// OnStateChange registers a connection-state handler.
	OnStateChange(h StateHandler)

	// Close tears down all channels and stops accepting connections.
	Close() error
}
