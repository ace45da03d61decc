// Package connmgr composes the transport and rendezvous layers into room
// lifecycle, a device roster and message fan-out. It owns one explicit
// state machine per peer: idle -> connecting -> connected, with a bounded
// reconnecting loop on loss.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/offline"
	"github.com/courtside/scoresync/internal/rendezvous"
	"github.com/courtside/scoresync/internal/transport"
	"github.com/courtside/scoresync/internal/wire"
)

// MessageHandler receives every non-join envelope from connected peers.
type MessageHandler func(peerID string, env *wire.Envelope)

type peerPhase string

const (
	phaseIdle         peerPhase = "idle"
	phaseConnecting   peerPhase = "connecting"
	phaseConnected    peerPhase = "connected"
	phaseReconnecting peerPhase = "reconnecting"
	phaseFailed       peerPhase = "failed"
)

// peerState is the per-peer connection state machine.
type peerState struct {
	dev           *device.Device
	phase         peerPhase
	attempt       int
	lastHeartbeat time.Time
	retryTimer    clockwork.Timer
}

// Manager composes transport and rendezvous.
type Manager struct {
	cfg   config.Config
	local *device.Device
	tr    transport.Transport
	rdv   rendezvous.Rendezvous
	bus   *events.Bus
	clock clockwork.Clock

	mu          sync.Mutex
	ctx         context.Context
	room        *device.Room
	isHost      bool
	peers       map[string]*peerState
	addrs       map[string]string
	msgHandlers []MessageHandler
	stopped     bool
}

// New wires a manager onto the given transport and rendezvous strategy.
func New(local *device.Device, tr transport.Transport, rdv rendezvous.Rendezvous, bus *events.Bus, cfg config.Config, clock clockwork.Clock) *Manager {
	m := &Manager{
		cfg:   cfg,
		local: local,
		tr:    tr,
		rdv:   rdv,
		bus:   bus,
		clock: clock,
		peers: make(map[string]*peerState),
		addrs: make(map[string]string),
	}
	tr.OnMessage(m.handleEnvelope)
	tr.OnStateChange(m.handleTransportState)
	rdv.OnSignal(m.handleSignal)
	return m
}

// Start launches the transport listener and the heartbeat liveness loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.tr.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	go m.livenessLoop(ctx)
	return nil
}

// OnMessage registers a handler for inbound peer envelopes.
func (m *Manager) OnMessage(h MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgHandlers = append(m.msgHandlers, h)
}

// CreateRoom opens a new room hosted by the local device.
func (m *Manager) CreateRoom(ctx context.Context) (*device.Room, error) {
	room, err := m.rdv.CreateRoom(ctx, m.local, m.tr.Addr())
	if err != nil {
		m.bus.Publish(events.Event{Type: events.EngineError, Err: err})
		return nil, err
	}

	m.mu.Lock()
	m.room = room
	m.isHost = true
	m.local.Status = device.StatusConnected
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.RoomCreated, RoomID: room.ID, Device: m.local})
	return room, nil
}

// JoinRoom joins an existing room. Existing members dial the joiner once
// the join frame reaches them; the roster arrives with the welcome.
func (m *Manager) JoinRoom(ctx context.Context, roomID string) (*device.Room, error) {
	m.setLocalStatus(device.StatusConnecting)

	room, err := m.rdv.JoinRoom(ctx, roomID, m.local, m.tr.Addr())
	if err != nil {
		m.setLocalStatus(device.StatusError)
		m.bus.Publish(events.Event{Type: events.EngineError, Err: err})
		return nil, err
	}

	m.mu.Lock()
	m.room = room
	m.isHost = false
	m.mu.Unlock()

	m.bus.Publish(events.Event{Type: events.RoomJoined, RoomID: roomID, Device: m.local})
	return room, nil
}

// LeaveRoom departs the current room, cancelling every pending retry timer
// scoped to the room's peers.
func (m *Manager) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	if m.room == nil {
		m.mu.Unlock()
		return rendezvous.ErrNotInRoom
	}
	peers := m.peers
	m.peers = make(map[string]*peerState)
	m.addrs = make(map[string]string)
	m.room = nil
	m.isHost = false
	m.mu.Unlock()

	for id, p := range peers {
		if p.retryTimer != nil {
			p.retryTimer.Stop()
		}
		_ = m.tr.Disconnect(id)
	}

	err := m.rdv.LeaveRoom(ctx)
	m.setLocalStatus(device.StatusDisconnected)
	return err
}

// Broadcast sends an envelope to every connected peer.
func (m *Manager) Broadcast(env *wire.Envelope) error {
	return m.tr.Broadcast(env)
}

// SendTo sends an envelope to a single peer.
func (m *Manager) SendTo(deviceID string, env *wire.Envelope) error {
	return m.tr.Send(deviceID, env)
}

// ConnectedDevices returns the devices currently in the connected phase.
func (m *Manager) ConnectedDevices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*device.Device, 0, len(m.peers))
	for _, p := range m.peers {
		if p.phase == phaseConnected && p.dev != nil {
			cp := *p.dev
			out = append(out, &cp)
		}
	}
	return out
}

// IsHost reports whether the local device hosts the current room.
func (m *Manager) IsHost() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHost
}

// Room returns a snapshot of the current room, or nil.
func (m *Manager) Room() *device.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return nil
	}
	return m.room.Clone()
}

// RetryConnection manually re-arms the automatic dial logic for one peer.
func (m *Manager) RetryConnection(peerID string) error {
	m.mu.Lock()
	p, known := m.peers[peerID]
	_, haveAddr := m.addrs[peerID]
	if known {
		p.attempt = 0
		p.phase = phaseIdle
		if p.retryTimer != nil {
			p.retryTimer.Stop()
			p.retryTimer = nil
		}
	}
	m.mu.Unlock()

	if !known || !haveAddr {
		return fmt.Errorf("retry connection: unknown peer %s", peerID)
	}
	m.connectPeer(peerID)
	return nil
}

// ReconnectAll re-dials every known peer that is not currently connected.
func (m *Manager) ReconnectAll() error {
	m.mu.Lock()
	var targets []string
	for id, p := range m.peers {
		if p.phase != phaseConnected {
			if _, ok := m.addrs[id]; ok {
				p.attempt = 0
				p.phase = phaseIdle
				targets = append(targets, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range targets {
		m.connectPeer(id)
	}
	if len(targets) == 0 {
		return nil
	}
	// Report failure if nothing came up; callers poll ConnectedDevices or
	// watch connection events for the success case.
	return nil
}

// upsertPeer records a peer's device and address, returning its state.
func (m *Manager) upsertPeer(d *device.Device, addr string) *peerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.peers[d.ID]
	if !ok {
		p = &peerState{phase: phaseIdle}
		m.peers[d.ID] = p
	}
	p.dev = d
	if addr != "" {
		m.addrs[d.ID] = addr
	}
	if m.room != nil {
		m.room.Add(d)
	}
	return p
}

// handleSignal reacts to rendezvous frames.
func (m *Manager) handleSignal(frame *wire.SignalingMessage) {
	switch frame.Type {
	case wire.SignalJoin:
		if frame.Device == nil {
			return
		}
		m.upsertPeer(frame.Device, frame.Addr)
		// Existing members dial the joiner.
		m.connectPeer(frame.Device.ID)

	case wire.SignalWelcome:
		if frame.Room == nil {
			return
		}
		m.mu.Lock()
		m.room = frame.Room
		m.mu.Unlock()
		for id, d := range frame.Room.Roster {
			if id == m.local.ID {
				continue
			}
			m.upsertPeer(d, frame.Addrs[id])
		}

	case wire.SignalLeave:
		m.dropPeer(frame.SenderID, events.DeviceLeft)

	case wire.SignalExpire:
		m.handleRoomExpired(frame.RoomID)

	case wire.SignalOffer, wire.SignalAnswer:
		// Handshake fragments carry a fresh dialable address.
		m.mu.Lock()
		if frame.Addr != "" {
			m.addrs[frame.SenderID] = frame.Addr
		}
		p, known := m.peers[frame.SenderID]
		shouldDial := known && p.phase != phaseConnected && p.phase != phaseConnecting
		m.mu.Unlock()
		if shouldDial {
			m.connectPeer(frame.SenderID)
		}
	}
}

func (m *Manager) handleRoomExpired(roomID string) {
	m.mu.Lock()
	if m.room == nil {
		m.mu.Unlock()
		return
	}
	peers := m.peers
	m.peers = make(map[string]*peerState)
	m.addrs = make(map[string]string)
	m.room = nil
	m.isHost = false
	m.mu.Unlock()

	for id, p := range peers {
		if p.retryTimer != nil {
			p.retryTimer.Stop()
		}
		_ = m.tr.Disconnect(id)
	}

	m.setLocalStatus(device.StatusDisconnected)
	m.bus.Publish(events.Event{Type: events.RoomExpired, RoomID: roomID})
}

// connectPeer drives one dial attempt through the peer's state machine.
func (m *Manager) connectPeer(peerID string) {
	m.mu.Lock()
	p, known := m.peers[peerID]
	addr, haveAddr := m.addrs[peerID]
	ctx := m.ctx
	if !known || !haveAddr || ctx == nil {
		m.mu.Unlock()
		return
	}
	if p.phase == phaseConnected || p.phase == phaseConnecting {
		m.mu.Unlock()
		return
	}
	wasReconnecting := p.phase == phaseReconnecting
	p.phase = phaseConnecting
	if p.dev != nil {
		if wasReconnecting {
			p.dev.Status = device.StatusReconnecting
		} else {
			p.dev.Status = device.StatusConnecting
		}
	}
	m.mu.Unlock()

	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
		defer cancel()
		if err := m.tr.Connect(dialCtx, peerID, addr); err != nil {
			log.Warn().
				Err(err).
				Str("peer_id", peerID).
				Msg("peer dial failed")
			m.scheduleRetry(peerID)
		}
		// Success surfaces through the transport state handler.
	}()
}

// scheduleRetry arms the bounded backoff timer for a lost peer.
func (m *Manager) scheduleRetry(peerID string) {
	m.mu.Lock()
	p, known := m.peers[peerID]
	if !known {
		m.mu.Unlock()
		return
	}
	p.attempt++
	attempt := p.attempt
	if attempt > m.cfg.MaxReconnectAttempts {
		p.phase = phaseFailed
		if p.dev != nil {
			p.dev.Status = device.StatusError
		}
		m.mu.Unlock()
		m.bus.Publish(events.Event{Type: events.ReconnectionFailed, PeerID: peerID, Attempt: attempt - 1})
		return
	}
	p.phase = phaseReconnecting
	if p.dev != nil {
		p.dev.Status = device.StatusReconnecting
	}
	delay := offline.Delay(m.cfg.BaseReconnectDelay, m.cfg.MaxReconnectDelay, m.cfg.ExponentialBackoff, attempt)
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = m.clock.AfterFunc(delay, func() {
		m.connectPeer(peerID)
	})
	m.mu.Unlock()

	if attempt == 1 {
		m.bus.Publish(events.Event{Type: events.ReconnectionStarted, PeerID: peerID})
	}
	m.bus.Publish(events.Event{Type: events.ReconnectionAttempt, PeerID: peerID, Attempt: attempt})
}

// handleTransportState advances peer state machines on channel events.
func (m *Manager) handleTransportState(peerID string, state transport.State) {
	switch state {
	case transport.StateConnected:
		m.mu.Lock()
		p, known := m.peers[peerID]
		if !known {
			p = &peerState{}
			m.peers[peerID] = p
		}
		p.phase = phaseConnected
		p.attempt = 0
		p.lastHeartbeat = m.clock.Now()
		if p.retryTimer != nil {
			p.retryTimer.Stop()
			p.retryTimer = nil
		}
		if p.dev != nil {
			p.dev.Status = device.StatusConnected
			p.dev.LastSeen = m.clock.Now()
		}
		connectedCount := m.connectedCountLocked()
		m.mu.Unlock()

		m.setLocalStatus(device.StatusConnected)
		m.bus.Publish(events.Event{Type: events.ConnectionEstablished, PeerID: peerID})
		if connectedCount == 1 {
			m.bus.Publish(events.Event{Type: events.BackOnline, PeerID: peerID})
		}

	case transport.StateDisconnected:
		m.mu.Lock()
		p, known := m.peers[peerID]
		if !known || p.phase != phaseConnected {
			m.mu.Unlock()
			return
		}
		p.phase = phaseReconnecting
		if p.dev != nil {
			p.dev.Status = device.StatusReconnecting
		}
		remaining := m.connectedCountLocked()
		inRoom := m.room != nil
		m.mu.Unlock()

		m.bus.Publish(events.Event{Type: events.ConnectionLost, PeerID: peerID})
		if inRoom {
			m.scheduleRetry(peerID)
		}
		if remaining == 0 {
			m.setLocalStatus(device.StatusReconnecting)
			m.bus.Publish(events.Event{Type: events.WentOffline})
		}
	}
}

func (m *Manager) connectedCountLocked() int {
	n := 0
	for _, p := range m.peers {
		if p.phase == phaseConnected {
			n++
		}
	}
	return n
}

// handleEnvelope routes inbound envelopes: joins update the roster, all
// traffic refreshes liveness, the rest goes to registered handlers.
func (m *Manager) handleEnvelope(peerID string, env *wire.Envelope) {
	m.MarkAlive(peerID, m.clock.Now())

	if env.Type == wire.KindJoin {
		d, err := wire.DecodeJoin(env)
		if err != nil {
			log.Error().Err(err).Str("peer_id", peerID).Msg("malformed join envelope")
			return
		}
		d.Status = device.StatusConnected
		d.LastSeen = m.clock.Now()
		m.upsertPeer(d, "")
		m.bus.Publish(events.Event{Type: events.DeviceJoined, Device: d})
		return
	}

	m.mu.Lock()
	handlers := make([]MessageHandler, len(m.msgHandlers))
	copy(handlers, m.msgHandlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(peerID, env)
	}
}

// MarkAlive refreshes a peer's liveness stamp. Hosts also refresh the
// room's activity so it does not expire while traffic flows.
func (m *Manager) MarkAlive(peerID string, at time.Time) {
	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok {
		p.lastHeartbeat = at
		if p.dev != nil {
			p.dev.LastSeen = at
		}
	}
	isHost := m.isHost
	ctx := m.ctx
	m.mu.Unlock()

	if isHost && ctx != nil {
		if err := m.rdv.RefreshActivity(ctx); err != nil {
			log.Error().Err(err).Msg("failed to refresh room activity")
		}
	}
}

// livenessLoop marks peers disconnected when their last heartbeat ages past
// three heartbeat intervals. The phase guard makes the transition fire
// exactly once per loss.
func (m *Manager) livenessLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.CheckHeartbeats()
		}
	}
}

// CheckHeartbeats runs one liveness pass. Exposed so tests can drive it
// with a fake clock.
func (m *Manager) CheckHeartbeats() {
	cutoff := m.clock.Now().Add(-3 * m.cfg.HeartbeatInterval)

	m.mu.Lock()
	var stale []string
	for id, p := range m.peers {
		if p.phase == phaseConnected && p.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		log.Info().Str("peer_id", id).Msg("peer heartbeat timed out")
		// Tearing the channel down fires the disconnected transition,
		// which the phase guard delivers exactly once.
		_ = m.tr.Disconnect(id)
	}
}

// dropPeer removes a peer permanently (leave or expiry).
func (m *Manager) dropPeer(peerID string, evt events.Type) {
	m.mu.Lock()
	p, known := m.peers[peerID]
	var dev *device.Device
	if known {
		dev = p.dev
		if p.retryTimer != nil {
			p.retryTimer.Stop()
		}
		delete(m.peers, peerID)
		delete(m.addrs, peerID)
		if m.room != nil {
			m.room.Remove(peerID)
		}
	}
	m.mu.Unlock()
	if !known {
		return
	}

	_ = m.tr.Disconnect(peerID)
	m.bus.Publish(events.Event{Type: evt, PeerID: peerID, Device: dev})
}

func (m *Manager) setLocalStatus(s device.Status) {
	m.mu.Lock()
	m.local.Status = s
	m.mu.Unlock()
}
