package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/scoresync/internal/device"
)

// Kind discriminates the transport-level envelope payload.
type Kind string

const (
	KindSync   Kind = "sync"   // Data carries a SyncMessage
	KindSignal Kind = "signal" // Data carries a SignalingMessage
	KindJoin   Kind = "join"   // Data carries the sender's Device, sent on channel open
)

// Envelope is the transport-level frame exchanged between peers.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	SenderID  string          `json:"sender_id"`
	TargetID  string          `json:"target_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an envelope with a fresh message ID.
func NewEnvelope(kind Kind, senderID, targetID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      kind,
		SenderID:  senderID,
		TargetID:  targetID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a raw frame received from a peer.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// MessageType classifies a sync message.
type MessageType string

const (
	MessageStateUpdate        MessageType = "state-update"
	MessageStateRequest       MessageType = "state-request"
	MessageStateResponse      MessageType = "state-response"
	MessageConflictResolution MessageType = "conflict-resolution"
	MessageHeartbeat          MessageType = "heartbeat"
)

// EntityType names a replicated entity class.
type EntityType string

const (
	EntityTournament EntityType = "tournament"
	EntityMatch      EntityType = "match"
	EntityTeam       EntityType = "team"
	EntityEvent      EntityType = "event"
	EntityFullState  EntityType = "full-state"
)

// Operation is the mutation applied to an entity.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpSync   Operation = "sync"
)

// SyncMessage carries one versioned state mutation, request or response
// between replicas.
type SyncMessage struct {
	Type           MessageType     `json:"type"`
	EntityType     EntityType      `json:"entity_type"`
	Operation      Operation       `json:"operation"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Version        uint64          `json:"version"`
	OriginDeviceID string          `json:"origin_device_id"`
	Priority       int             `json:"priority"`
}

// DecodeSync parses an envelope's data as a SyncMessage.
func DecodeSync(env *Envelope) (*SyncMessage, error) {
	if env.Type != KindSync {
		return nil, fmt.Errorf("envelope %s is not a sync message", env.ID)
	}
	var msg SyncMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return nil, fmt.Errorf("decode sync message: %w", err)
	}
	return &msg, nil
}

// DecodeJoin parses an envelope's data as the sender's device.
func DecodeJoin(env *Envelope) (*device.Device, error) {
	if env.Type != KindJoin {
		return nil, fmt.Errorf("envelope %s is not a join message", env.ID)
	}
	var d device.Device
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("decode join message: %w", err)
	}
	return &d, nil
}
