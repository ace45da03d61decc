package device

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies how authoritative a device is for match state.
type Role string

const (
	RoleReferee   Role = "referee"
	RoleOrganizer Role = "organizer"
	RoleSpectator Role = "spectator"
)

// Priority returns the numeric weight used for conflict resolution.
// The referee is the authority for live game state.
func (r Role) Priority() int {
	switch r {
	case RoleReferee:
		return 100
	case RoleOrganizer:
		return 50
	case RoleSpectator:
		return 10
	default:
		return 1
	}
}

// Status represents the connection status of a device.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// Device represents a participating process: a referee, organizer or
// spectator instance synchronizing the same tournament state.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	IsHost   bool      `json:"is_host"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// New creates a device with a fresh ID. Devices persist across room hops,
// so this is called once per process.
func New(name string, role Role) *Device {
	return &Device{
		ID:     uuid.New().String(),
		Name:   name,
		Role:   role,
		Status: StatusDisconnected,
	}
}
