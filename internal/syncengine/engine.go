// Package syncengine owns the replicated, versioned entity state. It
// stamps and broadcasts local mutations, applies inbound updates with
// conflict detection and resolution, answers state requests from newly
// joined peers, and emits the periodic heartbeat.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/wire"
)

// Sender delivers envelopes immediately over live channels. Heartbeats and
// state request/response traffic goes this way; it is meaningless to queue
// while offline.
type Sender interface {
	Broadcast(env *wire.Envelope) error
	SendTo(deviceID string, env *wire.Envelope) error
}

// Dispatcher routes mutating traffic through the resilience layer, which
// sends immediately when online and queues otherwise.
type Dispatcher interface {
	DispatchBroadcast(env *wire.Envelope, priority int) error
}

// ApplyHook observes every entity application (local or remote) after it
// lands in the replica map. The store adapter persists through this.
type ApplyHook func(entityType wire.EntityType, op wire.Operation, id string, data json.RawMessage, version uint64)

// Replica is the authoritative local copy of one entity. Deleted entities
// stay as tombstones so late joiners converge.
type Replica struct {
	Data           json.RawMessage `json:"data"`
	Version        uint64          `json:"version"`
	LastUpdated    time.Time       `json:"last_updated"`
	Deleted        bool            `json:"deleted,omitempty"`
	OriginDeviceID string          `json:"origin_device_id"`
	OriginPriority int             `json:"origin_priority"`
}

// statePayload is the body of state-response messages.
type statePayload struct {
	Entities map[wire.EntityType]map[string]Replica `json:"entities"`
}

// Engine is the replication core. All replica access is serialized by one
// mutex: conflict detection, resolution and apply for a message happen as
// a single atomic step before the next message is handled.
type Engine struct {
	cfg        config.Config
	local      *device.Device
	sender     Sender
	dispatcher Dispatcher
	bus        *events.Bus
	clock      clockwork.Clock

	mu       sync.Mutex
	replicas map[wire.EntityType]map[string]*Replica
	version  uint64

	hookMu sync.Mutex
	hooks  []ApplyHook
}

// New constructs an engine. Lifecycle is owned by the caller: nothing runs
// until Start.
func New(local *device.Device, sender Sender, dispatcher Dispatcher, bus *events.Bus, cfg config.Config, clock clockwork.Clock) *Engine {
	return &Engine{
		cfg:        cfg,
		local:      local,
		sender:     sender,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      clock,
		replicas:   make(map[wire.EntityType]map[string]*Replica),
	}
}

// Start launches the heartbeat loop and the room-join state request. It
// returns immediately; ctx cancellation stops both.
func (e *Engine) Start(ctx context.Context) {
	go e.heartbeatLoop(ctx)
	go e.joinLoop(ctx)
}

// OnApply registers a hook observing every applied entity.
func (e *Engine) OnApply(h ApplyHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.hooks = append(e.hooks, h)
}

func (e *Engine) notifyApply(et wire.EntityType, op wire.Operation, id string, data json.RawMessage, version uint64) {
	e.hookMu.Lock()
	hooks := make([]ApplyHook, len(e.hooks))
	copy(hooks, e.hooks)
	e.hookMu.Unlock()

	for _, h := range hooks {
		h(et, op, id, data, version)
	}
	e.bus.Publish(events.Event{
		Type:       events.EntityApplied,
		EntityType: string(et),
		EntityID:   id,
	})
}

// SyncEntity applies a local mutation and hands it to the resilience layer
// for broadcast. The version counter is incremented before the message is
// built, never after.
func (e *Engine) SyncEntity(entityType wire.EntityType, op wire.Operation, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", entityType, err)
	}
	id, err := wire.EntityID(raw)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.version++
	version := e.version
	now := e.clock.Now()
	e.applyLocked(entityType, id, &Replica{
		Data:           raw,
		Version:        version,
		LastUpdated:    now,
		Deleted:        op == wire.OpDelete,
		OriginDeviceID: e.local.ID,
		OriginPriority: e.local.Role.Priority(),
	})
	e.mu.Unlock()

	e.notifyApply(entityType, op, id, raw, version)

	msg := &wire.SyncMessage{
		Type:           wire.MessageStateUpdate,
		EntityType:     entityType,
		Operation:      op,
		Payload:        raw,
		Timestamp:      now,
		Version:        version,
		OriginDeviceID: e.local.ID,
		Priority:       e.local.Role.Priority(),
	}
	env, err := wire.NewEnvelope(wire.KindSync, e.local.ID, "", msg)
	if err != nil {
		return err
	}
	return e.dispatcher.DispatchBroadcast(env, msg.Priority)
}

// applyLocked installs a replica. Callers hold e.mu.
func (e *Engine) applyLocked(entityType wire.EntityType, id string, r *Replica) {
	if e.replicas[entityType] == nil {
		e.replicas[entityType] = make(map[string]*Replica)
	}
	e.replicas[entityType][id] = r
	if r.Version > e.version {
		// Keep the local counter ahead of everything observed so the next
		// local mutation cannot be mistaken for a stale write.
		e.version = r.Version
	}
}

// Get returns a copy of the replica for the entity, if present.
func (e *Engine) Get(entityType wire.EntityType, id string) (Replica, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.replicas[entityType][id]
	if !ok {
		return Replica{}, false
	}
	return *r, true
}

// HandleEnvelope consumes one inbound envelope. The connection manager
// registers this as its message handler.
func (e *Engine) HandleEnvelope(peerID string, env *wire.Envelope) {
	if env.Type != wire.KindSync {
		return
	}
	msg, err := wire.DecodeSync(env)
	if err != nil {
		log.Error().Err(err).Str("peer_id", peerID).Msg("dropping malformed sync message")
		return
	}

	switch msg.Type {
	case wire.MessageHeartbeat:
		// Liveness bookkeeping happens in the connection manager.

	case wire.MessageStateUpdate:
		e.applyRemote(msg)

	case wire.MessageStateRequest:
		e.handleStateRequest(peerID, msg)

	case wire.MessageStateResponse:
		e.mergeResponse(msg)

	case wire.MessageConflictResolution:
		e.applyResolution(msg)

	default:
		log.Warn().Str("message_type", string(msg.Type)).Msg("unknown sync message type")
	}
}

// applyRemote runs conflict detection and either applies the update or
// resolves against the local replica. Detection, resolution and apply are
// one atomic step under the engine mutex.
func (e *Engine) applyRemote(msg *wire.SyncMessage) {
	id, err := wire.EntityID(msg.Payload)
	if err != nil {
		log.Error().Err(err).Str("entity_type", string(msg.EntityType)).Msg("update without entity id")
		return
	}

	e.mu.Lock()
	local, exists := e.replicas[msg.EntityType][id]
	if !exists {
		// First sighting: no conflict possible.
		e.applyLocked(msg.EntityType, id, replicaFromMessage(msg))
		e.mu.Unlock()
		e.notifyApply(msg.EntityType, msg.Operation, id, msg.Payload, msg.Version)
		return
	}

	if !isConflict(local.Version, local.LastUpdated, msg.Version, msg.Timestamp) {
		e.applyLocked(msg.EntityType, id, replicaFromMessage(msg))
		e.mu.Unlock()
		e.notifyApply(msg.EntityType, msg.Operation, id, msg.Payload, msg.Version)
		return
	}

	// Conflict: settle it and install the winner before releasing the lock.
	localSide := side{
		payload:   local.Data,
		version:   local.Version,
		timestamp: local.LastUpdated,
		priority:  local.OriginPriority,
		originID:  local.OriginDeviceID,
		deleted:   local.Deleted,
	}
	remoteSide := side{
		payload:   msg.Payload,
		version:   msg.Version,
		timestamp: msg.Timestamp,
		priority:  msg.Priority,
		originID:  msg.OriginDeviceID,
		deleted:   msg.Operation == wire.OpDelete,
	}
	winner, used := resolve(e.cfg.ConflictResolutionStrategy, localSide, remoteSide)

	resolved := &Replica{
		Data:           winner.payload,
		Version:        maxVersion(localSide.version, remoteSide.version),
		LastUpdated:    winner.timestamp,
		Deleted:        winner.deleted,
		OriginDeviceID: winner.originID,
		OriginPriority: winner.priority,
	}
	e.applyLocked(msg.EntityType, id, resolved)
	now := e.clock.Now()
	e.mu.Unlock()

	e.notifyApply(msg.EntityType, msg.Operation, id, resolved.Data, resolved.Version)

	record := &wire.ConflictResolution{
		Strategy:          string(used),
		EntityType:        msg.EntityType,
		EntityID:          id,
		ResolvingDeviceID: e.local.ID,
		ResolvedAt:        now,
		OriginalPayload:   msg.Payload,
		ResolvedPayload:   resolved.Data,
		ResolvedVersion:   resolved.Version,
		ResolvedOriginID:  resolved.OriginDeviceID,
		ResolvedPriority:  resolved.OriginPriority,
		ResolvedTimestamp: resolved.LastUpdated,
	}
	e.broadcastResolution(msg.EntityType, record)

	e.bus.Publish(events.Event{
		Type:       events.ConflictResolved,
		EntityType: string(msg.EntityType),
		EntityID:   id,
	})
	log.Info().
		Str("entity_type", string(msg.EntityType)).
		Str("entity_id", id).
		Str("strategy", string(used)).
		Str("winner_origin", resolved.OriginDeviceID).
		Msg("conflict resolved")
}

func maxVersion(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func replicaFromMessage(msg *wire.SyncMessage) *Replica {
	return &Replica{
		Data:           msg.Payload,
		Version:        msg.Version,
		LastUpdated:    msg.Timestamp,
		Deleted:        msg.Operation == wire.OpDelete,
		OriginDeviceID: msg.OriginDeviceID,
		OriginPriority: msg.Priority,
	}
}

// broadcastResolution shares the resolved outcome so every replica, not
// just the two conflicting ones, converges on the identical value.
func (e *Engine) broadcastResolution(entityType wire.EntityType, record *wire.ConflictResolution) {
	raw, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode conflict resolution")
		return
	}
	msg := &wire.SyncMessage{
		Type:           wire.MessageConflictResolution,
		EntityType:     entityType,
		Operation:      wire.OpSync,
		Payload:        raw,
		Timestamp:      e.clock.Now(),
		Version:        record.ResolvedVersion,
		OriginDeviceID: e.local.ID,
		Priority:       e.local.Role.Priority(),
	}
	env, err := wire.NewEnvelope(wire.KindSync, e.local.ID, "", msg)
	if err != nil {
		return
	}
	if err := e.dispatcher.DispatchBroadcast(env, msg.Priority); err != nil {
		log.Error().Err(err).Msg("failed to broadcast conflict resolution")
	}
}

// applyResolution installs a resolution decided elsewhere. A resolution
// may explicitly override version monotonicity; one older than the local
// replica is ignored as stale.
func (e *Engine) applyResolution(msg *wire.SyncMessage) {
	var record wire.ConflictResolution
	if err := json.Unmarshal(msg.Payload, &record); err != nil {
		log.Error().Err(err).Msg("malformed conflict resolution")
		return
	}

	e.mu.Lock()
	local, exists := e.replicas[record.EntityType][record.EntityID]
	if exists && local.Version > record.ResolvedVersion {
		e.mu.Unlock()
		return
	}
	resolved := &Replica{
		Data:           record.ResolvedPayload,
		Version:        record.ResolvedVersion,
		LastUpdated:    record.ResolvedTimestamp,
		OriginDeviceID: record.ResolvedOriginID,
		OriginPriority: record.ResolvedPriority,
	}
	e.applyLocked(record.EntityType, record.EntityID, resolved)
	e.mu.Unlock()

	e.notifyApply(record.EntityType, wire.OpSync, record.EntityID, record.ResolvedPayload, record.ResolvedVersion)
	e.bus.Publish(events.Event{
		Type:       events.ConflictResolved,
		EntityType: string(record.EntityType),
		EntityID:   record.EntityID,
	})
}

// RequestState asks every connected peer for a snapshot: the full state
// or one entity type.
func (e *Engine) RequestState(entityType wire.EntityType) error {
	env, err := e.stateRequestEnvelope(entityType, "")
	if err != nil {
		return err
	}
	return e.sender.Broadcast(env)
}

// RequestStateFrom asks one peer for a snapshot. Merging is idempotent,
// so asking several peers is safe.
func (e *Engine) RequestStateFrom(peerID string, entityType wire.EntityType) error {
	env, err := e.stateRequestEnvelope(entityType, peerID)
	if err != nil {
		return err
	}
	return e.sender.SendTo(peerID, env)
}

func (e *Engine) stateRequestEnvelope(entityType wire.EntityType, targetID string) (*wire.Envelope, error) {
	msg := &wire.SyncMessage{
		Type:           wire.MessageStateRequest,
		EntityType:     entityType,
		Operation:      wire.OpSync,
		Timestamp:      e.clock.Now(),
		OriginDeviceID: e.local.ID,
		Priority:       e.local.Role.Priority(),
	}
	return wire.NewEnvelope(wire.KindSync, e.local.ID, targetID, msg)
}

// handleStateRequest answers with a snapshot of the requested scope.
func (e *Engine) handleStateRequest(peerID string, msg *wire.SyncMessage) {
	e.mu.Lock()
	snapshot := statePayload{Entities: make(map[wire.EntityType]map[string]Replica)}
	for et, entities := range e.replicas {
		if msg.EntityType != wire.EntityFullState && msg.EntityType != et {
			continue
		}
		snapshot.Entities[et] = make(map[string]Replica, len(entities))
		for id, r := range entities {
			snapshot.Entities[et][id] = *r
		}
	}
	e.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode state snapshot")
		return
	}
	resp := &wire.SyncMessage{
		Type:           wire.MessageStateResponse,
		EntityType:     msg.EntityType,
		Operation:      wire.OpSync,
		Payload:        raw,
		Timestamp:      e.clock.Now(),
		OriginDeviceID: e.local.ID,
		Priority:       e.local.Role.Priority(),
	}
	env, err := wire.NewEnvelope(wire.KindSync, e.local.ID, peerID, resp)
	if err != nil {
		return
	}
	if err := e.sender.SendTo(peerID, env); err != nil {
		log.Error().Err(err).Str("peer_id", peerID).Msg("failed to answer state request")
	}
}

// mergeResponse folds a snapshot into the local replicas, keeping the
// higher version per entity id. Merging is idempotent and monotone.
func (e *Engine) mergeResponse(msg *wire.SyncMessage) {
	var snapshot statePayload
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		log.Error().Err(err).Msg("malformed state response")
		return
	}
	e.MergeSnapshot(snapshot.Entities)
}

// MergeSnapshot merges replica maps, adopting entries whose version is
// strictly higher than the local one.
func (e *Engine) MergeSnapshot(entities map[wire.EntityType]map[string]Replica) {
	type applied struct {
		et      wire.EntityType
		id      string
		data    json.RawMessage
		version uint64
	}
	var adopted []applied

	e.mu.Lock()
	for et, rows := range entities {
		for id, incoming := range rows {
			local, exists := e.replicas[et][id]
			if exists && local.Version >= incoming.Version {
				continue
			}
			r := incoming
			e.applyLocked(et, id, &r)
			adopted = append(adopted, applied{et: et, id: id, data: r.Data, version: r.Version})
		}
	}
	e.mu.Unlock()

	for _, a := range adopted {
		e.notifyApply(a.et, wire.OpSync, a.id, a.data, a.version)
	}
}

// Snapshot returns a copy of every replica, for export and tests.
func (e *Engine) Snapshot() map[wire.EntityType]map[string]Replica {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[wire.EntityType]map[string]Replica, len(e.replicas))
	for et, entities := range e.replicas {
		out[et] = make(map[string]Replica, len(entities))
		for id, r := range entities {
			out[et][id] = *r
		}
	}
	return out
}

// heartbeatLoop broadcasts a lightweight heartbeat every sync interval.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.SendHeartbeat()
		}
	}
}

// SendHeartbeat broadcasts one heartbeat. Exposed so tests can drive it
// without the ticker.
func (e *Engine) SendHeartbeat() {
	msg := &wire.SyncMessage{
		Type:           wire.MessageHeartbeat,
		EntityType:     wire.EntityFullState,
		Operation:      wire.OpSync,
		Timestamp:      e.clock.Now(),
		OriginDeviceID: e.local.ID,
		Priority:       e.local.Role.Priority(),
	}
	env, err := wire.NewEnvelope(wire.KindSync, e.local.ID, "", msg)
	if err != nil {
		return
	}
	// Heartbeats are not queued: a stale heartbeat has no value.
	_ = e.sender.Broadcast(env)
}

// joinLoop requests the full state from each peer as its channel comes
// up, so late joiners converge without waiting for organic traffic.
func (e *Engine) joinLoop(ctx context.Context) {
	sub := e.bus.Subscribe(events.ConnectionEstablished)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := e.RequestStateFrom(evt.PeerID, wire.EntityFullState); err != nil {
				log.Warn().Err(err).Str("peer_id", evt.PeerID).Msg("full state request failed")
			}
		}
	}
}
