package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// BrokerConfig holds configuration for the NATS rendezvous strategy.
type BrokerConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultBrokerConfig returns default broker configuration.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		URL:            nats.DefaultURL,
		RequestTimeout: 5 * time.Second,
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
	}
}

func subjectJoin(roomID string) string {
	return "scoresync.room." + roomID + ".join"
}

func subjectPeer(roomID, deviceID string) string {
	return "scoresync.room." + roomID + ".peer." + deviceID
}

func subjectAnnounce(roomID string) string {
	return "scoresync.room." + roomID + ".announce"
}

// Broker implements Rendezvous over core NATS subjects. Signaling is
// ephemeral by design, so no JetStream stream backs the room subjects.
type Broker struct {
	nc          *nats.Conn
	config      BrokerConfig
	clock       clockwork.Clock
	roomTimeout time.Duration

	mu       sync.Mutex
	handlers []Handler
	roomID   string
	local    *device.Device
	book     *roomBook // host side only
	subs     []*nats.Subscription
	stop     chan struct{}
}

// NewBroker connects to NATS and returns the broker strategy.
func NewBroker(config BrokerConfig, roomTimeout time.Duration, clock clockwork.Clock) (*Broker, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", ErrUnavailable)
	}

	return &Broker{
		nc:          nc,
		config:      config,
		clock:       clock,
		roomTimeout: roomTimeout,
	}, nil
}

// OnSignal registers a handler for incoming frames.
func (b *Broker) OnSignal(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Broker) dispatch(msg *wire.SignalingMessage) {
	b.mu.Lock()
	if b.local != nil && msg.SenderID == b.local.ID {
		b.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// CreateRoom opens a room and serves join requests for it.
func (b *Broker) CreateRoom(_ context.Context, host *device.Device, addr string) (*device.Room, error) {
	b.mu.Lock()
	if b.roomID != "" {
		b.mu.Unlock()
		return nil, fmt.Errorf("already in room %s", b.roomID)
	}
	book := newRoomBook(host, addr, b.clock.Now())
	b.book = book
	b.roomID = book.room.ID
	b.local = host
	b.stop = make(chan struct{})
	roomID := b.roomID
	b.mu.Unlock()

	joinSub, err := b.nc.Subscribe(subjectJoin(roomID), func(m *nats.Msg) {
		b.handleJoinRequest(m)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe join subject: %w", err)
	}
	if err := b.subscribeMember(roomID, host.ID); err != nil {
		_ = joinSub.Unsubscribe()
		return nil, err
	}
	b.mu.Lock()
	b.subs = append(b.subs, joinSub)
	b.mu.Unlock()

	go b.expiryLoop(roomID)

	log.Info().
		Str("room_id", roomID).
		Str("host_device_id", host.ID).
		Msg("room created")

	room, _ := book.snapshot()
	return room, nil
}

// handleJoinRequest adds the joiner to the roster, replies with the room
// and address book, and surfaces the join frame to handlers.
func (b *Broker) handleJoinRequest(m *nats.Msg) {
	frame, err := wire.DecodeSignal(m.Data)
	if err != nil || frame.Device == nil {
		log.Error().Err(err).Msg("malformed join request")
		return
	}

	b.mu.Lock()
	book := b.book
	local := b.local
	roomID := b.roomID
	b.mu.Unlock()
	if book == nil {
		return
	}

	book.add(frame.Device, frame.Addr, b.clock.Now())
	room, addrs := book.snapshot()

	welcome := &wire.SignalingMessage{
		Type:      wire.SignalWelcome,
		RoomID:    roomID,
		SenderID:  local.ID,
		TargetID:  frame.SenderID,
		Room:      room,
		Addrs:     addrs,
		Timestamp: b.clock.Now(),
	}
	data, err := wire.EncodeSignal(welcome)
	if err == nil {
		if err := m.Respond(data); err != nil {
			log.Error().Err(err).Msg("failed to answer join request")
		}
	}

	b.dispatch(frame)
}

// JoinRoom announces the device to the room's host and returns the roster.
func (b *Broker) JoinRoom(_ context.Context, roomID string, d *device.Device, addr string) (*device.Room, error) {
	frame := &wire.SignalingMessage{
		Type:      wire.SignalJoin,
		RoomID:    roomID,
		SenderID:  d.ID,
		Device:    d,
		Addr:      addr,
		Timestamp: b.clock.Now(),
	}
	data, err := wire.EncodeSignal(frame)
	if err != nil {
		return nil, err
	}

	reply, err := b.nc.Request(subjectJoin(roomID), data, b.config.RequestTimeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("join room %s: %w", roomID, ErrRoomNotFound)
		}
		return nil, fmt.Errorf("join room %s: %w", roomID, ErrUnavailable)
	}

	welcome, err := wire.DecodeSignal(reply.Data)
	if err != nil || welcome.Room == nil {
		return nil, fmt.Errorf("join room %s: malformed welcome", roomID)
	}

	b.mu.Lock()
	b.roomID = roomID
	b.local = d
	b.stop = make(chan struct{})
	b.mu.Unlock()

	if err := b.subscribeMember(roomID, d.ID); err != nil {
		return nil, err
	}

	b.dispatch(welcome)

	log.Info().
		Str("room_id", roomID).
		Str("device_id", d.ID).
		Msg("joined room")

	return welcome.Room, nil
}

// subscribeMember attaches the announce subject and the member's private
// peer subject.
func (b *Broker) subscribeMember(roomID, deviceID string) error {
	handle := func(m *nats.Msg) {
		frame, err := wire.DecodeSignal(m.Data)
		if err != nil {
			log.Error().Err(err).Msg("malformed signaling frame")
			return
		}
		b.handleFrame(frame)
	}

	annSub, err := b.nc.Subscribe(subjectAnnounce(roomID), handle)
	if err != nil {
		return fmt.Errorf("subscribe announce subject: %w", err)
	}
	peerSub, err := b.nc.Subscribe(subjectPeer(roomID, deviceID), handle)
	if err != nil {
		_ = annSub.Unsubscribe()
		return fmt.Errorf("subscribe peer subject: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, annSub, peerSub)
	b.mu.Unlock()
	return nil
}

func (b *Broker) handleFrame(frame *wire.SignalingMessage) {
	b.mu.Lock()
	book := b.book
	b.mu.Unlock()

	switch frame.Type {
	case wire.SignalLeave:
		if book != nil {
			book.remove(frame.SenderID, b.clock.Now())
		}
	case wire.SignalExpire:
		// Host declared the room dead; detach locally.
		b.detach()
	}

	b.dispatch(frame)
}

// LeaveRoom announces departure. A departing host destroys the room.
func (b *Broker) LeaveRoom(_ context.Context) error {
	b.mu.Lock()
	roomID := b.roomID
	local := b.local
	isHost := b.book != nil
	b.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}

	frameType := wire.SignalLeave
	if isHost {
		frameType = wire.SignalExpire
	}
	frame := &wire.SignalingMessage{
		Type:      frameType,
		RoomID:    roomID,
		SenderID:  local.ID,
		Timestamp: b.clock.Now(),
	}
	if data, err := wire.EncodeSignal(frame); err == nil {
		if err := b.nc.Publish(subjectAnnounce(roomID), data); err != nil {
			log.Error().Err(err).Msg("failed to announce leave")
		}
	}

	b.detach()
	return nil
}

// detach drops subscriptions and room state without announcing anything.
func (b *Broker) detach() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.roomID = ""
	b.book = nil
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Relay sends a frame to a single room member.
func (b *Broker) Relay(_ context.Context, targetID string, msg *wire.SignalingMessage) error {
	b.mu.Lock()
	roomID := b.roomID
	b.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}

	msg.RoomID = roomID
	msg.TargetID = targetID
	data, err := wire.EncodeSignal(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subjectPeer(roomID, targetID), data); err != nil {
		return fmt.Errorf("relay to %s: %w", targetID, ErrUnavailable)
	}
	return nil
}

// Announce sends a frame to every room member.
func (b *Broker) Announce(_ context.Context, msg *wire.SignalingMessage) error {
	b.mu.Lock()
	roomID := b.roomID
	b.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}

	msg.RoomID = roomID
	data, err := wire.EncodeSignal(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subjectAnnounce(roomID), data); err != nil {
		return fmt.Errorf("announce: %w", ErrUnavailable)
	}
	return nil
}

// RefreshActivity keeps the room alive. Only the host tracks activity;
// member refreshes are no-ops.
func (b *Broker) RefreshActivity(_ context.Context) error {
	b.mu.Lock()
	book := b.book
	b.mu.Unlock()
	if book != nil {
		book.touch(b.clock.Now())
	}
	return nil
}

// expiryLoop expires the hosted room after roomTimeout of inactivity.
func (b *Broker) expiryLoop(roomID string) {
	interval := b.roomTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()

	b.mu.Lock()
	stop := b.stop
	b.mu.Unlock()
	if stop == nil {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			b.mu.Lock()
			book := b.book
			local := b.local
			b.mu.Unlock()
			if book == nil {
				return
			}
			if !book.expired(b.clock.Now(), b.roomTimeout) {
				continue
			}

			log.Info().Str("room_id", roomID).Msg("room expired from inactivity")
			frame := &wire.SignalingMessage{
				Type:      wire.SignalExpire,
				RoomID:    roomID,
				SenderID:  local.ID,
				Timestamp: b.clock.Now(),
			}
			if data, err := wire.EncodeSignal(frame); err == nil {
				_ = b.nc.Publish(subjectAnnounce(roomID), data)
			}
			b.detach()
			b.dispatch(frame)
			return
		}
	}
}

// Close detaches from any room and closes the NATS connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	inRoom := b.roomID != ""
	b.mu.Unlock()
	if inRoom {
		_ = b.LeaveRoom(context.Background())
	}
	b.nc.Close()
	return nil
}
