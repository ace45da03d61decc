package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/courtside/scoresync/internal/device"
)

// SignalType classifies a rendezvous/signaling frame.
type SignalType string

const (
	SignalJoin    SignalType = "join"    // joiner announces itself to the room
	SignalWelcome SignalType = "welcome" // host's reply to a join, carries the room
	SignalLeave   SignalType = "leave"   // member leaves the room
	SignalOffer   SignalType = "offer"   // connection handshake: dial me at Addr
	SignalAnswer  SignalType = "answer"  // handshake reply, carries responder's Addr
	SignalExpire  SignalType = "expire"  // host declares the room expired
)

// SignalingMessage is the out-of-band frame exchanged through the
// rendezvous channel before a direct peer channel exists.
type SignalingMessage struct {
	Type      SignalType        `json:"type"`
	RoomID    string            `json:"room_id"`
	SenderID  string            `json:"sender_id"`
	TargetID  string            `json:"target_id,omitempty"`
	Device    *device.Device    `json:"device,omitempty"`
	Room      *device.Room      `json:"room,omitempty"`
	Addr      string            `json:"addr,omitempty"`
	Addrs     map[string]string `json:"addrs,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EncodeSignal serializes a signaling frame.
func EncodeSignal(msg *SignalingMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode signaling message: %w", err)
	}
	return data, nil
}

// DecodeSignal parses a signaling frame.
func DecodeSignal(data []byte) (*SignalingMessage, error) {
	var msg SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode signaling message: %w", err)
	}
	return &msg, nil
}
