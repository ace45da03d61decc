package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// signalLog collects dispatched frames for assertions.
type signalLog struct {
	mu     sync.Mutex
	frames []*wire.SignalingMessage
}

func (l *signalLog) handler(msg *wire.SignalingMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, msg)
}

func (l *signalLog) byType(t wire.SignalType) []*wire.SignalingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*wire.SignalingMessage
	for _, f := range l.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func newSharedDir(t *testing.T, dir string, roomTimeout time.Duration) *SharedDir {
	t.Helper()
	cfg := SharedDirConfig{Dir: dir, PollInterval: 10 * time.Millisecond}
	s, err := NewSharedDir(cfg, roomTimeout, clockwork.NewRealClock())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSharedDir_JoinUnknownRoom(t *testing.T) {
	s := newSharedDir(t, t.TempDir(), time.Minute)

	_, err := s.JoinRoom(context.Background(), "missing", device.New("d", device.RoleSpectator), "addr")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSharedDir_HostSeesJoinAndLeave(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	hostSide := newSharedDir(t, dir, time.Minute)
	hostLog := &signalLog{}
	hostSide.OnSignal(hostLog.handler)

	host := device.New("host", device.RoleOrganizer)
	room, err := hostSide.CreateRoom(ctx, host, "host-addr")
	require.NoError(t, err)

	memberSide := newSharedDir(t, dir, time.Minute)
	memberLog := &signalLog{}
	memberSide.OnSignal(memberLog.handler)

	member := device.New("member", device.RoleSpectator)
	joined, err := memberSide.JoinRoom(ctx, room.ID, member, "member-addr")
	require.NoError(t, err)
	assert.Equal(t, room.ID, joined.ID)

	// The joiner gets a synthetic welcome carrying the roster and the
	// host's dialable address.
	welcomes := memberLog.byType(wire.SignalWelcome)
	require.Len(t, welcomes, 1)
	assert.Equal(t, "host-addr", welcomes[0].Addrs[host.ID])

	// The host's poll loop picks the join frame up and updates the roster.
	require.Eventually(t, func() bool {
		return len(hostLog.byType(wire.SignalJoin)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, member.ID, hostLog.byType(wire.SignalJoin)[0].SenderID)

	// A second joiner reads a roster that already includes the first.
	require.Eventually(t, func() bool {
		late := newSharedDir(t, dir, time.Minute)
		roomView, err := late.JoinRoom(ctx, room.ID, device.New("late", device.RoleSpectator), "late-addr")
		if err != nil {
			return false
		}
		_ = late.Close()
		_, ok := roomView.Roster[member.ID]
		return ok
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, memberSide.LeaveRoom(ctx))
	require.Eventually(t, func() bool {
		return len(hostLog.byType(wire.SignalLeave)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSharedDir_HostLeaveExpiresRoom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	hostSide := newSharedDir(t, dir, time.Minute)
	host := device.New("host", device.RoleOrganizer)
	room, err := hostSide.CreateRoom(ctx, host, "host-addr")
	require.NoError(t, err)

	memberSide := newSharedDir(t, dir, time.Minute)
	memberLog := &signalLog{}
	memberSide.OnSignal(memberLog.handler)
	_, err = memberSide.JoinRoom(ctx, room.ID, device.New("member", device.RoleSpectator), "member-addr")
	require.NoError(t, err)

	require.NoError(t, hostSide.LeaveRoom(ctx))

	// Members observe the expiry frame and the room record is gone.
	require.Eventually(t, func() bool {
		return len(memberLog.byType(wire.SignalExpire)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fresh := newSharedDir(t, dir, time.Minute)
	_, err = fresh.JoinRoom(ctx, room.ID, device.New("late", device.RoleSpectator), "late-addr")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSharedDir_AnnounceReachesMembersNotSender(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	hostSide := newSharedDir(t, dir, time.Minute)
	hostLog := &signalLog{}
	hostSide.OnSignal(hostLog.handler)
	host := device.New("host", device.RoleOrganizer)
	room, err := hostSide.CreateRoom(ctx, host, "host-addr")
	require.NoError(t, err)

	memberSide := newSharedDir(t, dir, time.Minute)
	memberLog := &signalLog{}
	memberSide.OnSignal(memberLog.handler)
	member := device.New("member", device.RoleSpectator)
	_, err = memberSide.JoinRoom(ctx, room.ID, member, "member-addr")
	require.NoError(t, err)

	require.NoError(t, hostSide.Announce(ctx, &wire.SignalingMessage{
		Type:     wire.SignalOffer,
		SenderID: host.ID,
		Addr:     "host-addr",
	}))

	require.Eventually(t, func() bool {
		return len(memberLog.byType(wire.SignalOffer)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hostLog.byType(wire.SignalOffer))
}

func TestSharedDir_RelayOnlyReachesTarget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	hostSide := newSharedDir(t, dir, time.Minute)
	host := device.New("host", device.RoleOrganizer)
	room, err := hostSide.CreateRoom(ctx, host, "host-addr")
	require.NoError(t, err)

	aSide := newSharedDir(t, dir, time.Minute)
	aLog := &signalLog{}
	aSide.OnSignal(aLog.handler)
	a := device.New("a", device.RoleSpectator)
	_, err = aSide.JoinRoom(ctx, room.ID, a, "a-addr")
	require.NoError(t, err)

	bSide := newSharedDir(t, dir, time.Minute)
	bLog := &signalLog{}
	bSide.OnSignal(bLog.handler)
	b := device.New("b", device.RoleSpectator)
	_, err = bSide.JoinRoom(ctx, room.ID, b, "b-addr")
	require.NoError(t, err)

	require.NoError(t, hostSide.Relay(ctx, a.ID, &wire.SignalingMessage{
		Type:     wire.SignalAnswer,
		SenderID: host.ID,
		Addr:     "host-addr",
	}))

	require.Eventually(t, func() bool {
		return len(aLog.byType(wire.SignalAnswer)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, bLog.byType(wire.SignalAnswer))
}
