package offline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	fail bool
	sent []*wire.Envelope
}

func (s *fakeSender) Broadcast(env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("no peers")
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) SendTo(deviceID string, env *wire.Envelope) error {
	return s.Broadcast(env)
}

func (s *fakeSender) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, env := range s.sent {
		out[i] = env.ID
	}
	return out
}

type fakeReconnector struct {
	calls atomic.Int32
}

func (r *fakeReconnector) ReconnectAll() error {
	r.calls.Add(1)
	return nil
}

func testManagerConfig() config.Config {
	cfg := config.Default()
	cfg.MaxQueueSize = 10
	cfg.PersistQueue = false
	cfg.MaxRetries = 1
	cfg.MaxReconnectAttempts = 2
	return cfg
}

func syncEnvelope(t *testing.T) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.KindSync, "dev-1", "", &wire.SyncMessage{
		Type:       wire.MessageStateUpdate,
		EntityType: wire.EntityMatch,
		Operation:  wire.OpUpdate,
	})
	require.NoError(t, err)
	return env
}

func TestManager_DispatchSendsWhileOnline(t *testing.T) {
	sender := &fakeSender{}
	mgr := NewManager(testManagerConfig(), sender, &fakeReconnector{}, nil, events.NewBus(), clockwork.NewFakeClock())

	env := syncEnvelope(t)
	require.NoError(t, mgr.DispatchBroadcast(env, 100))

	assert.Equal(t, []string{env.ID}, sender.sentIDs())
	assert.Equal(t, 0, mgr.PendingCount())
}

func TestManager_QueuesWhileOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	bus := events.NewBus()
	mgr := NewManager(testManagerConfig(), sender, &fakeReconnector{}, nil, bus, clockwork.NewFakeClock())
	require.NoError(t, mgr.Start(ctx))

	bus.Publish(events.Event{Type: events.WentOffline})
	require.Eventually(t, func() bool { return !mgr.Online() }, time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.DispatchBroadcast(syncEnvelope(t), 100))
	require.NoError(t, mgr.DispatchBroadcast(syncEnvelope(t), 10))

	assert.Empty(t, sender.sentIDs())
	assert.Equal(t, 2, mgr.PendingCount())
}

func TestManager_FailedBroadcastIsQueuedNotLost(t *testing.T) {
	sender := &fakeSender{fail: true}
	mgr := NewManager(testManagerConfig(), sender, &fakeReconnector{}, nil, events.NewBus(), clockwork.NewFakeClock())

	require.NoError(t, mgr.DispatchBroadcast(syncEnvelope(t), 100))
	assert.Equal(t, 1, mgr.PendingCount())
}

func TestManager_FlushesInPriorityOrderOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{}
	bus := events.NewBus()
	processed := bus.Subscribe(events.OperationProcessed)
	defer processed.Cancel()

	mgr := NewManager(testManagerConfig(), sender, &fakeReconnector{}, nil, bus, clockwork.NewFakeClock())
	require.NoError(t, mgr.Start(ctx))

	bus.Publish(events.Event{Type: events.WentOffline})
	require.Eventually(t, func() bool { return !mgr.Online() }, time.Second, 5*time.Millisecond)

	low := syncEnvelope(t)
	high := syncEnvelope(t)
	mid := syncEnvelope(t)
	require.NoError(t, mgr.DispatchBroadcast(low, 10))
	require.NoError(t, mgr.DispatchBroadcast(high, 100))
	require.NoError(t, mgr.DispatchBroadcast(mid, 50))

	bus.Publish(events.Event{Type: events.BackOnline})
	require.Eventually(t, func() bool { return mgr.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, sender.sentIDs())
	assert.Len(t, drainEvents(processed), 3)
}

func TestManager_DropsOperationAfterRetryBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := &fakeSender{fail: true}
	bus := events.NewBus()
	failed := bus.Subscribe(events.OperationFailed)
	defer failed.Cancel()

	mgr := NewManager(testManagerConfig(), sender, &fakeReconnector{}, nil, bus, clockwork.NewFakeClock())
	require.NoError(t, mgr.Start(ctx))

	bus.Publish(events.Event{Type: events.WentOffline})
	require.Eventually(t, func() bool { return !mgr.Online() }, time.Second, 5*time.Millisecond)
	require.NoError(t, mgr.DispatchBroadcast(syncEnvelope(t), 100))

	bus.Publish(events.Event{Type: events.BackOnline})
	require.Eventually(t, func() bool { return mgr.PendingCount() == 0 }, time.Second, 5*time.Millisecond)

	evts := drainEvents(failed)
	require.Len(t, evts, 1)
	assert.Error(t, evts[0].Err)
}

func TestManager_ReconnectionLoopGivesUpAfterMaxAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	lifecycle := bus.Subscribe(events.ReconnectionStarted, events.ReconnectionAttempt, events.ReconnectionFailed)
	defer lifecycle.Cancel()

	reconn := &fakeReconnector{}
	cfg := testManagerConfig()
	mgr := NewManager(cfg, &fakeSender{}, reconn, nil, bus, clock)
	require.NoError(t, mgr.Start(ctx))
	clock.BlockUntil(1) // cleanup ticker armed

	bus.Publish(events.Event{Type: events.WentOffline})
	require.Eventually(t, func() bool { return !mgr.Online() }, time.Second, 5*time.Millisecond)

	// Attempt 1 fires after the base delay, attempt 2 after the doubled
	// delay, then the loop gives up.
	clock.BlockUntil(2)
	clock.Advance(Delay(cfg.BaseReconnectDelay, cfg.MaxReconnectDelay, true, 1))
	require.Eventually(t, func() bool { return reconn.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.BlockUntil(2)
	clock.Advance(Delay(cfg.BaseReconnectDelay, cfg.MaxReconnectDelay, true, 2))
	require.Eventually(t, func() bool { return reconn.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, evt := range drainEvents(lifecycle) {
			if evt.Type == events.ReconnectionFailed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ForceReconnectRestartsTheLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	reconn := &fakeReconnector{}
	cfg := testManagerConfig()
	cfg.MaxReconnectAttempts = 1
	mgr := NewManager(cfg, &fakeSender{}, reconn, nil, bus, clock)
	require.NoError(t, mgr.Start(ctx))
	clock.BlockUntil(1)

	bus.Publish(events.Event{Type: events.WentOffline})
	require.Eventually(t, func() bool { return !mgr.Online() }, time.Second, 5*time.Millisecond)

	clock.BlockUntil(2)
	clock.Advance(cfg.BaseReconnectDelay)
	require.Eventually(t, func() bool { return reconn.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The single budgeted attempt failed; a manual retry re-arms the loop.
	mgr.ForceReconnect(ctx)
	clock.BlockUntil(2)
	clock.Advance(cfg.BaseReconnectDelay)
	require.Eventually(t, func() bool { return reconn.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
