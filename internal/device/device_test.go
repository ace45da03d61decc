package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRole_Priority(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		expected int
	}{
		{name: "referee outranks everyone", role: RoleReferee, expected: 100},
		{name: "organizer mid-tier", role: RoleOrganizer, expected: 50},
		{name: "spectator low", role: RoleSpectator, expected: 10},
		{name: "unknown role is weakest", role: Role("scorekeeper"), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.role.Priority())
		})
	}
}

func TestNew_FreshIdentity(t *testing.T) {
	a := New("court-a", RoleReferee)
	b := New("court-a", RoleReferee)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, StatusDisconnected, a.Status)
}

func TestRoom_RosterLifecycle(t *testing.T) {
	now := time.Now()
	host := New("host", RoleOrganizer)
	room := NewRoom(host, now)

	require.Equal(t, host.ID, room.HostDeviceID)
	require.Len(t, room.Roster, 1)

	ref := New("referee", RoleReferee)
	room.Add(ref)
	assert.Len(t, room.Roster, 2)
	assert.False(t, ref.IsHost)

	room.Remove(ref.ID)
	assert.Len(t, room.Roster, 1)
	_, stillThere := room.Roster[ref.ID]
	assert.False(t, stillThere)
}

func TestRoom_Expired(t *testing.T) {
	now := time.Now()
	room := NewRoom(New("host", RoleOrganizer), now)

	timeout := 10 * time.Minute
	assert.False(t, room.Expired(now.Add(5*time.Minute), timeout))
	assert.True(t, room.Expired(now.Add(11*time.Minute), timeout))

	// Activity resets the expiry window.
	room.Touch(now.Add(9 * time.Minute))
	assert.False(t, room.Expired(now.Add(11*time.Minute), timeout))
}

func TestRoom_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	host := New("host", RoleOrganizer)
	room := NewRoom(host, now)

	clone := room.Clone()
	room.Add(New("late", RoleSpectator))

	assert.Len(t, clone.Roster, 1)
	assert.Len(t, room.Roster, 2)
}
