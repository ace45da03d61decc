package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/storage"
	"github.com/courtside/scoresync/internal/wire"
)

// Sender delivers envelopes over live connections.
type Sender interface {
	Broadcast(env *wire.Envelope) error
	SendTo(deviceID string, env *wire.Envelope) error
}

// Reconnector re-establishes room connectivity after an outage.
type Reconnector interface {
	ReconnectAll() error
}

// Probe reports whether the device currently has connectivity. Nil means
// connectivity is inferred purely from connection events.
type Probe func() bool

// Manager is the resilience layer between the sync engine and the
// transport. While online it forwards traffic directly; while offline it
// queues operations and drives the room-level reconnection loop, then
// flushes the queue in priority order once connectivity returns.
type Manager struct {
	cfg    config.Config
	clock  clockwork.Clock
	bus    *events.Bus
	queue  *Queue
	sender Sender
	reconn Reconnector
	probe  Probe

	mu      sync.Mutex
	online  bool
	attempt int
	timer   clockwork.Timer
	failed  bool

	flushMu sync.Mutex
}

// NewManager builds the resilience layer. store may be nil to disable
// queue persistence regardless of config.
func NewManager(cfg config.Config, sender Sender, reconn Reconnector, store storage.Store, bus *events.Bus, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:    cfg,
		clock:  clock,
		bus:    bus,
		queue:  NewQueue(cfg, store, bus, clock),
		sender: sender,
		reconn: reconn,
		online: true,
	}
}

// SetProbe installs an optional connectivity probe consulted before each
// reconnection attempt.
func (m *Manager) SetProbe(p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// Start restores the persisted queue and launches the connectivity watcher
// and the periodic queue cleanup. ctx cancellation stops both.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.queue.Load(ctx); err != nil {
		return fmt.Errorf("start resilience manager: %w", err)
	}
	go m.watchConnectivity(ctx)
	go m.cleanupLoop(ctx)
	return nil
}

// Online reports the current connectivity assessment, for the UI's
// offline indicator.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// PendingCount returns the number of queued operations.
func (m *Manager) PendingCount() int {
	return m.queue.Len()
}

// DispatchBroadcast sends the envelope to all peers when online and queues
// it otherwise. A broadcast that fails outright is treated as the first
// sign of an outage and the envelope is queued rather than lost.
func (m *Manager) DispatchBroadcast(env *wire.Envelope, priority int) error {
	if m.Online() {
		err := m.sender.Broadcast(env)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("message_id", env.ID).Msg("broadcast failed, queueing")
	}
	return m.enqueueEnvelope(KindSync, env, priority, "")
}

// DispatchTo sends the envelope to one peer when online and queues it for
// that peer otherwise.
func (m *Manager) DispatchTo(deviceID string, env *wire.Envelope, priority int) error {
	if m.Online() {
		err := m.sender.SendTo(deviceID, env)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("message_id", env.ID).Str("device_id", deviceID).Msg("send failed, queueing")
	}
	return m.enqueueEnvelope(KindSync, env, priority, deviceID)
}

func (m *Manager) enqueueEnvelope(kind Kind, env *wire.Envelope, priority int, target string) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope for queue: %w", err)
	}
	_, err = m.queue.Enqueue(context.Background(), kind, string(env.Type), raw, priority, m.cfg.MaxRetries, target)
	return err
}

// ForceReconnect resets the attempt counter and restarts the reconnection
// loop. This is the manual escape hatch after the loop gave up.
func (m *Manager) ForceReconnect(ctx context.Context) {
	m.mu.Lock()
	m.attempt = 0
	m.failed = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	offline := !m.online
	m.mu.Unlock()

	if offline {
		log.Info().Msg("manual reconnection requested")
		m.scheduleReconnect(ctx)
	}
}

// Flush drains the queue in priority order over the live connections.
// Operations that keep failing are retried up to their retry budget and
// then dropped with a failure event.
func (m *Manager) Flush(ctx context.Context) {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	ops := m.queue.Ordered()
	if len(ops) == 0 {
		return
	}
	log.Info().Int("operations", len(ops)).Msg("flushing offline queue")

	sent := 0
	for _, op := range ops {
		if !m.Online() {
			return
		}
		if m.cfg.BatchSize > 0 && sent >= m.cfg.BatchSize {
			return
		}

		if err := m.deliver(op); err != nil {
			if m.queue.MarkRetry(ctx, op) {
				m.queue.Remove(ctx, op.ID)
				m.bus.Publish(events.Event{
					Type:        events.OperationFailed,
					OperationID: op.ID,
					Attempt:     op.RetryCount,
					Err:         err,
				})
				log.Error().Err(err).
					Str("operation_id", op.ID).
					Int("retries", op.RetryCount).
					Msg("queued operation exhausted retries")
			}
			continue
		}

		m.queue.Remove(ctx, op.ID)
		m.bus.Publish(events.Event{
			Type:        events.OperationProcessed,
			OperationID: op.ID,
			QueueLen:    m.queue.Len(),
		})
		sent++
	}
}

func (m *Manager) deliver(op *Operation) error {
	var env wire.Envelope
	if err := json.Unmarshal(op.Payload, &env); err != nil {
		return fmt.Errorf("decode queued envelope: %w", err)
	}
	if op.TargetDeviceID != "" {
		return m.sender.SendTo(op.TargetDeviceID, &env)
	}
	return m.sender.Broadcast(&env)
}

// watchConnectivity tracks the connection events that flip the online
// assessment and triggers reconnection and flushing.
func (m *Manager) watchConnectivity(ctx context.Context) {
	sub := m.bus.Subscribe(events.WentOffline, events.BackOnline)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			switch evt.Type {
			case events.WentOffline:
				m.mu.Lock()
				wasOnline := m.online
				m.online = false
				m.mu.Unlock()
				if wasOnline {
					log.Warn().Msg("all peers lost, entering offline mode")
					m.scheduleReconnect(ctx)
				}
			case events.BackOnline:
				m.mu.Lock()
				m.online = true
				m.attempt = 0
				m.failed = false
				if m.timer != nil {
					m.timer.Stop()
					m.timer = nil
				}
				m.mu.Unlock()
				log.Info().Msg("connectivity restored")
				m.Flush(ctx)
			}
		}
	}
}

// scheduleReconnect arms the next reconnection attempt with exponential
// backoff. After the attempt budget is spent the loop stops until
// ForceReconnect.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online || m.failed {
		return
	}
	if m.attempt == 0 {
		m.bus.Publish(events.Event{Type: events.ReconnectionStarted})
	}
	m.attempt++
	if m.attempt > m.cfg.MaxReconnectAttempts {
		m.failed = true
		m.bus.Publish(events.Event{Type: events.ReconnectionFailed, Attempt: m.attempt - 1})
		log.Error().
			Int("attempts", m.attempt-1).
			Msg("reconnection attempts exhausted, waiting for manual retry")
		return
	}

	attempt := m.attempt
	delay := Delay(m.cfg.BaseReconnectDelay, m.cfg.MaxReconnectDelay, m.cfg.ExponentialBackoff, attempt)
	log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling reconnection attempt")

	m.timer = m.clock.AfterFunc(delay, func() {
		m.runAttempt(ctx, attempt)
	})
}

func (m *Manager) runAttempt(ctx context.Context, attempt int) {
	if m.Online() || ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()
	if probe != nil && !probe() {
		m.bus.Publish(events.Event{Type: events.ReconnectionAttempt, Attempt: attempt})
		m.scheduleReconnect(ctx)
		return
	}

	m.bus.Publish(events.Event{Type: events.ReconnectionAttempt, Attempt: attempt})
	if err := m.reconn.ReconnectAll(); err != nil {
		log.Warn().Err(err).Int("attempt", attempt).Msg("reconnection attempt failed")
	}
	// Success surfaces as a back-online event; until then keep trying.
	m.scheduleReconnect(ctx)
}

// cleanupLoop expires stale queued operations on the configured interval.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.QueueCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := m.queue.Cleanup(ctx); n > 0 {
				log.Info().Int("expired", n).Msg("offline queue cleanup")
			}
		}
	}
}
