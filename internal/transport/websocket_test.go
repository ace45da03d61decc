package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

func wsNode(t *testing.T, d *device.Device) (*WebSocket, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	ws := NewWebSocket(d, cfg)
	rec := newRecorder()
	ws.OnMessage(rec.onMessage)
	ws.OnStateChange(rec.onState)
	require.NoError(t, ws.Start(context.Background()))
	t.Cleanup(func() { _ = ws.Close() })
	return ws, rec
}

func TestWebSocket_ConnectExchangesJoinEnvelopes(t *testing.T) {
	devA := device.New("a", device.RoleReferee)
	devB := device.New("b", device.RoleSpectator)
	a, recA := wsNode(t, devA)
	b, recB := wsNode(t, devB)

	require.NoError(t, a.Connect(context.Background(), devB.ID, b.Addr()))

	assert.Contains(t, recA.statesFor(devB.ID), StateConnecting)
	assert.Contains(t, recA.statesFor(devB.ID), StateConnected)
	require.Eventually(t, func() bool {
		return len(recB.statesFor(devA.ID)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, recB.statesFor(devA.ID), StateConnected)

	// Both sides announce themselves over the fresh channel.
	require.Eventually(t, func() bool { return len(recB.envelopes()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	join := recB.envelopes()[0]
	assert.Equal(t, wire.KindJoin, join.Type)
	d, err := wire.DecodeJoin(join)
	require.NoError(t, err)
	assert.Equal(t, devA.ID, d.ID)

	require.Eventually(t, func() bool { return len(recA.envelopes()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	d, err = wire.DecodeJoin(recA.envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, devB.ID, d.ID)
}

func TestWebSocket_SendBothDirections(t *testing.T) {
	devA := device.New("a", device.RoleReferee)
	devB := device.New("b", device.RoleSpectator)
	a, recA := wsNode(t, devA)
	b, recB := wsNode(t, devB)

	require.NoError(t, a.Connect(context.Background(), devB.ID, b.Addr()))
	require.Eventually(t, func() bool { return len(recB.envelopes()) >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send(devB.ID, syncEnv(t, devA.ID)))
	require.Eventually(t, func() bool {
		for _, env := range recB.envelopes() {
			if env.Type == wire.KindSync {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The accepting side addresses the dialer by the device ID carried in
	// the handshake query.
	require.NoError(t, b.Send(devA.ID, syncEnv(t, devB.ID)))
	require.Eventually(t, func() bool {
		for _, env := range recA.envelopes() {
			if env.Type == wire.KindSync {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_DisconnectNotifiesBothSides(t *testing.T) {
	devA := device.New("a", device.RoleReferee)
	devB := device.New("b", device.RoleSpectator)
	a, recA := wsNode(t, devA)
	b, recB := wsNode(t, devB)

	require.NoError(t, a.Connect(context.Background(), devB.ID, b.Addr()))
	require.Eventually(t, func() bool { return len(recB.envelopes()) >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Disconnect(devB.ID))

	assert.Contains(t, recA.statesFor(devB.ID), StateDisconnected)
	require.Eventually(t, func() bool {
		for _, s := range recB.statesFor(devA.ID) {
			if s == StateDisconnected {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	err := a.Send(devB.ID, syncEnv(t, devA.ID))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestWebSocket_ConnectUnreachableAddr(t *testing.T) {
	devA := device.New("a", device.RoleReferee)
	a, recA := wsNode(t, devA)

	err := a.Connect(context.Background(), "ghost", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, recA.statesFor("ghost"), StateFailed)
}

func TestWebSocket_ConnectAfterCloseFails(t *testing.T) {
	devA := device.New("a", device.RoleReferee)
	devB := device.New("b", device.RoleSpectator)
	a, _ := wsNode(t, devA)
	b, _ := wsNode(t, devB)

	require.NoError(t, a.Close())
	err := a.Connect(context.Background(), devB.ID, b.Addr())
	assert.ErrorIs(t, err, ErrClosed)
}
