package device

import (
	"time"

	"github.com/google/uuid"
)

// Room is a rendezvous group of devices synchronizing the same tournament.
// The host device owns the room lifecycle; membership flows through the
// rendezvous layer.
type Room struct {
	ID           string             `json:"id"`
	HostDeviceID string             `json:"host_device_id"`
	Roster       map[string]*Device `json:"roster"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
}

// NewRoom creates a room hosted by the given device.
func NewRoom(host *Device, now time.Time) *Room {
	host.IsHost = true
	return &Room{
		ID:           uuid.New().String(),
		HostDeviceID: host.ID,
		Roster:       map[string]*Device{host.ID: host},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch refreshes the room's activity timestamp. Heartbeats call this to
// keep the room from expiring.
func (r *Room) Touch(now time.Time) {
	r.LastActivity = now
}

// Add inserts or replaces a roster entry.
func (r *Room) Add(d *Device) {
	r.Roster[d.ID] = d
}

// Remove drops a device from the roster.
func (r *Room) Remove(deviceID string) {
	delete(r.Roster, deviceID)
}

// Expired reports whether the room has seen no activity for longer than
// the given timeout.
func (r *Room) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastActivity) > timeout
}

// Clone returns a deep copy of the room safe to hand to other goroutines.
func (r *Room) Clone() *Room {
	out := &Room{
		ID:           r.ID,
		HostDeviceID: r.HostDeviceID,
		Roster:       make(map[string]*Device, len(r.Roster)),
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	for id, d := range r.Roster {
		cp := *d
		out.Roster[id] = &cp
	}
	return out
}
