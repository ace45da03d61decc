package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// recorder collects inbound envelopes and state changes.
type recorder struct {
	mu     sync.Mutex
	envs   []*wire.Envelope
	states map[string][]State
}

func newRecorder() *recorder {
	return &recorder{states: make(map[string][]State)}
}

func (r *recorder) onMessage(peerID string, env *wire.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) onState(peerID string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[peerID] = append(r.states[peerID], state)
}

func (r *recorder) envelopes() []*wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wire.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func (r *recorder) statesFor(peerID string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states[peerID]))
	copy(out, r.states[peerID])
	return out
}

func pipePair(t *testing.T) (*Pipe, *Pipe, *device.Device, *device.Device, *recorder, *recorder) {
	t.Helper()
	ctx := context.Background()
	network := NewPipeNetwork()

	devA := device.New("a", device.RoleReferee)
	devB := device.New("b", device.RoleSpectator)
	a := network.Node(devA)
	b := network.Node(devB)

	recA := newRecorder()
	recB := newRecorder()
	a.OnMessage(recA.onMessage)
	a.OnStateChange(recA.onState)
	b.OnMessage(recB.onMessage)
	b.OnStateChange(recB.onState)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	return a, b, devA, devB, recA, recB
}

func syncEnv(t *testing.T, senderID string) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(wire.KindSync, senderID, "", &wire.SyncMessage{
		Type:       wire.MessageStateUpdate,
		EntityType: wire.EntityMatch,
		Operation:  wire.OpUpdate,
	})
	require.NoError(t, err)
	return env
}

func TestPipe_ConnectExchangesJoinEnvelopes(t *testing.T) {
	a, _, devA, devB, recA, recB := pipePair(t)

	require.NoError(t, a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID))

	assert.Contains(t, recA.statesFor(devB.ID), StateConnected)
	assert.Contains(t, recB.statesFor(devA.ID), StateConnected)

	// Each side learns the other's device through the automatic join.
	require.Eventually(t, func() bool { return len(recB.envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	join := recB.envelopes()[0]
	assert.Equal(t, wire.KindJoin, join.Type)
	d, err := wire.DecodeJoin(join)
	require.NoError(t, err)
	assert.Equal(t, devA.ID, d.ID)
}

func TestPipe_SendPreservesOrder(t *testing.T) {
	a, _, _, devB, _, recB := pipePair(t)
	require.NoError(t, a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID))
	require.Eventually(t, func() bool { return len(recB.envelopes()) == 1 }, time.Second, 5*time.Millisecond)

	var sent []string
	for i := 0; i < 10; i++ {
		env := syncEnv(t, "a")
		sent = append(sent, env.ID)
		require.NoError(t, a.Send(devB.ID, env))
	}

	require.Eventually(t, func() bool { return len(recB.envelopes()) == 11 }, time.Second, 5*time.Millisecond)
	var got []string
	for _, env := range recB.envelopes()[1:] {
		got = append(got, env.ID)
	}
	assert.Equal(t, sent, got)
}

func TestPipe_SendWithoutLinkFails(t *testing.T) {
	a, _, _, devB, _, _ := pipePair(t)

	err := a.Send(devB.ID, syncEnv(t, "a"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPipe_PartitionDropsLinksAndRefusesDials(t *testing.T) {
	a, b, devA, devB, recA, _ := pipePair(t)
	require.NoError(t, a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID))

	b.SetPartitioned(true)

	// The partition tears the link down on both ends.
	require.Eventually(t, func() bool {
		states := recA.statesFor(devB.ID)
		return len(states) > 0 && states[len(states)-1] == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	err := a.Send(devB.ID, syncEnv(t, devA.ID))
	assert.ErrorIs(t, err, ErrNotConnected)
	err = a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID)
	assert.ErrorIs(t, err, ErrConnectionTimeout)

	// Healing the partition allows a fresh dial.
	b.SetPartitioned(false)
	assert.NoError(t, a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID))
}

func TestPipe_BroadcastReachesAllLinkedPeers(t *testing.T) {
	ctx := context.Background()
	network := NewPipeNetwork()
	hub := network.Node(device.New("hub", device.RoleOrganizer))

	var recs []*recorder
	for _, name := range []string{"x", "y", "z"} {
		d := device.New(name, device.RoleSpectator)
		node := network.Node(d)
		rec := newRecorder()
		node.OnMessage(rec.onMessage)
		require.NoError(t, node.Start(ctx))
		require.NoError(t, hub.Connect(ctx, d.ID, "pipe://"+d.ID))
		recs = append(recs, rec)
	}
	require.NoError(t, hub.Start(ctx))

	require.NoError(t, hub.Broadcast(syncEnv(t, "hub")))

	for _, rec := range recs {
		rec := rec
		require.Eventually(t, func() bool {
			for _, env := range rec.envelopes() {
				if env.Type == wire.KindSync {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	}
}

func TestPipe_CloseRefusesTraffic(t *testing.T) {
	a, _, devA, devB, _, _ := pipePair(t)
	require.NoError(t, a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID))

	require.NoError(t, a.Close())
	err := a.Send(devB.ID, syncEnv(t, devA.ID))
	assert.ErrorIs(t, err, ErrNotConnected)
	err = a.Connect(context.Background(), devB.ID, "pipe://"+devB.ID)
	assert.ErrorIs(t, err, ErrClosed)
}
