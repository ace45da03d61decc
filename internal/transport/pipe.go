package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// PipeNetwork is an in-process fabric of Pipe transports. It mirrors the
// WebSocket transport's contract without sockets, so engine behavior can
// be tested deterministically, including simulated partitions.
type PipeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Pipe
}

// NewPipeNetwork creates an empty fabric.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{nodes: make(map[string]*Pipe)}
}

// Node registers a transport for the device on this fabric.
func (n *PipeNetwork) Node(local *device.Device) *Pipe {
	n.mu.Lock()
	defer n.mu.Unlock()

	p := &Pipe{
		network: n,
		local:   local,
		links:   make(map[string]*Pipe),
		inbox:   make(chan inboundFrame, 256),
	}
	n.nodes[local.ID] = p
	return p
}

func (n *PipeNetwork) lookup(deviceID string) *Pipe {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[deviceID]
}

type inboundFrame struct {
	peerID string
	data   []byte
}

// Pipe is the in-process Transport implementation. Frames are delivered
// through a per-node inbox goroutine, preserving per-peer ordering while
// keeping delivery asynchronous like a real channel.
type Pipe struct {
	network *PipeNetwork
	local   *device.Device

	mu            sync.RWMutex
	links         map[string]*Pipe
	msgHandlers   []MessageHandler
	stateHandlers []StateHandler
	partitioned   bool
	started       bool
	closed        bool

	inbox chan inboundFrame
}

// Start begins draining the inbox.
func (p *Pipe) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-p.inbox:
				env, err := wire.DecodeEnvelope(f.data)
				if err != nil {
					log.Error().Err(err).Msg("pipe dropped malformed frame")
					continue
				}
				p.mu.RLock()
				handlers := make([]MessageHandler, len(p.msgHandlers))
				copy(handlers, p.msgHandlers)
				p.mu.RUnlock()
				for _, h := range handlers {
					h(f.peerID, env)
				}
			}
		}
	}()
	return nil
}

// Addr returns the pipe pseudo-address for this device.
func (p *Pipe) Addr() string {
	return "pipe://" + p.local.ID
}

// Connect links this node with the peer owning addr and exchanges join
// envelopes, mirroring the WebSocket open side effect.
func (p *Pipe) Connect(_ context.Context, peerID, addr string) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	if p.partitioned {
		p.mu.RUnlock()
		return fmt.Errorf("connect to %s: %w", peerID, ErrConnectionTimeout)
	}
	p.mu.RUnlock()

	target := strings.TrimPrefix(addr, "pipe://")
	if target == "" {
		target = peerID
	}
	remote := p.network.lookup(target)
	if remote == nil {
		return fmt.Errorf("connect to %s: %w", peerID, ErrConnectionTimeout)
	}
	remote.mu.RLock()
	remotePartitioned := remote.partitioned || remote.closed
	remote.mu.RUnlock()
	if remotePartitioned {
		return fmt.Errorf("connect to %s: %w", peerID, ErrConnectionTimeout)
	}

	p.notifyState(peerID, StateConnecting)

	p.mu.Lock()
	p.links[remote.local.ID] = remote
	p.mu.Unlock()
	remote.mu.Lock()
	remote.links[p.local.ID] = p
	remote.mu.Unlock()

	p.notifyState(remote.local.ID, StateConnected)
	remote.notifyState(p.local.ID, StateConnected)

	if env, err := wire.NewEnvelope(wire.KindJoin, p.local.ID, remote.local.ID, p.local); err == nil {
		_ = p.Send(remote.local.ID, env)
	}
	if env, err := wire.NewEnvelope(wire.KindJoin, remote.local.ID, p.local.ID, remote.local); err == nil {
		_ = remote.Send(p.local.ID, env)
	}
	return nil
}

// Send delivers one envelope into the linked peer's inbox.
func (p *Pipe) Send(peerID string, env *wire.Envelope) error {
	p.mu.RLock()
	remote, linked := p.links[peerID]
	blocked := p.partitioned || p.closed
	p.mu.RUnlock()

	if !linked || blocked {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
	remote.mu.RLock()
	remoteBlocked := remote.partitioned || remote.closed
	remote.mu.RUnlock()
	if remoteBlocked {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	select {
	case remote.inbox <- inboundFrame{peerID: p.local.ID, data: data}:
		return nil
	default:
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
}

// Broadcast delivers one envelope to every linked peer.
func (p *Pipe) Broadcast(env *wire.Envelope) error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.links))
	for id := range p.links {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := p.Send(id, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect drops the link on both sides.
func (p *Pipe) Disconnect(peerID string) error {
	p.mu.Lock()
	remote, linked := p.links[peerID]
	delete(p.links, peerID)
	p.mu.Unlock()
	if !linked {
		return nil
	}

	remote.mu.Lock()
	delete(remote.links, p.local.ID)
	remote.mu.Unlock()

	p.notifyState(peerID, StateDisconnected)
	remote.notifyState(p.local.ID, StateDisconnected)
	return nil
}

// SetPartitioned simulates losing network connectivity. Partitioning drops
// every link and refuses new connections until cleared.
func (p *Pipe) SetPartitioned(partitioned bool) {
	p.mu.Lock()
	p.partitioned = partitioned
	var peers []string
	if partitioned {
		for id := range p.links {
			peers = append(peers, id)
		}
	}
	p.mu.Unlock()

	for _, id := range peers {
		_ = p.Disconnect(id)
	}
}

// OnMessage registers an inbound envelope handler.
func (p *Pipe) OnMessage(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgHandlers = append(p.msgHandlers, h)
}

// OnStateChange registers a connection-state handler.
func (p *Pipe) OnStateChange(h StateHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateHandlers = append(p.stateHandlers, h)
}

// Close drops all links and stops accepting traffic.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peers := make([]string, 0, len(p.links))
	for id := range p.links {
		peers = append(peers, id)
	}
	p.mu.Unlock()

	for _, id := range peers {
		_ = p.Disconnect(id)
	}
	return nil
}

func (p *Pipe) notifyState(peerID string, state State) {
	p.mu.RLock()
	handlers := make([]StateHandler, len(p.stateHandlers))
	copy(handlers, p.stateHandlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		h(peerID, state)
	}
}
