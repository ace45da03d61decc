package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// SharedDirConfig holds configuration for the shared-directory strategy.
type SharedDirConfig struct {
	// Dir is the directory visible to every participating device, e.g.
	// a network share or a common temp dir on one machine.
	Dir string
	// PollInterval is how often members scan for new frames.
	PollInterval time.Duration
}

// DefaultSharedDirConfig returns default shared-directory configuration.
func DefaultSharedDirConfig(dir string) SharedDirConfig {
	return SharedDirConfig{Dir: dir, PollInterval: 250 * time.Millisecond}
}

// roomFile is the on-disk room record maintained by the host.
type roomFile struct {
	Room  *device.Room      `json:"room"`
	Addrs map[string]string `json:"addrs"`
}

// SharedDir implements Rendezvous by broadcasting signaling frames as JSON
// files in a directory every member can reach. It exists for fully offline
// LAN setups and for single-machine testing; no broker is involved.
type SharedDir struct {
	config      SharedDirConfig
	clock       clockwork.Clock
	roomTimeout time.Duration

	mu       sync.Mutex
	handlers []Handler
	roomID   string
	local    *device.Device
	book     *roomBook // host side only
	seen     map[string]struct{}
	stop     chan struct{}
}

// NewSharedDir returns the shared-directory strategy rooted at config.Dir.
func NewSharedDir(config SharedDirConfig, roomTimeout time.Duration, clock clockwork.Clock) (*SharedDir, error) {
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rendezvous dir: %w", err)
	}
	return &SharedDir{
		config:      config,
		clock:       clock,
		roomTimeout: roomTimeout,
		seen:        make(map[string]struct{}),
	}, nil
}

func (s *SharedDir) roomDir(roomID string) string {
	return filepath.Join(s.config.Dir, roomID)
}

func (s *SharedDir) roomPath(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "room.json")
}

func (s *SharedDir) framesDir(roomID string) string {
	return filepath.Join(s.roomDir(roomID), "frames")
}

// OnSignal registers a handler for incoming frames.
func (s *SharedDir) OnSignal(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *SharedDir) dispatch(msg *wire.SignalingMessage) {
	s.mu.Lock()
	if s.local != nil && msg.SenderID == s.local.ID {
		s.mu.Unlock()
		return
	}
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// CreateRoom writes the room record and starts polling for frames.
func (s *SharedDir) CreateRoom(_ context.Context, host *device.Device, addr string) (*device.Room, error) {
	s.mu.Lock()
	if s.roomID != "" {
		s.mu.Unlock()
		return nil, fmt.Errorf("already in room %s", s.roomID)
	}
	book := newRoomBook(host, addr, s.clock.Now())
	s.book = book
	s.roomID = book.room.ID
	s.local = host
	s.stop = make(chan struct{})
	roomID := s.roomID
	stop := s.stop
	s.mu.Unlock()

	if err := os.MkdirAll(s.framesDir(roomID), 0o755); err != nil {
		return nil, fmt.Errorf("create room dir: %w", err)
	}
	if err := s.writeRoomFile(); err != nil {
		return nil, err
	}

	go s.pollLoop(roomID, stop)

	log.Info().
		Str("room_id", roomID).
		Str("host_device_id", host.ID).
		Msg("room created")

	room, _ := book.snapshot()
	return room, nil
}

// JoinRoom reads the room record, announces the join and starts polling.
func (s *SharedDir) JoinRoom(_ context.Context, roomID string, d *device.Device, addr string) (*device.Room, error) {
	rf, err := s.readRoomFile(roomID)
	if err != nil {
		return nil, err
	}
	if rf.Room.Expired(s.clock.Now(), s.roomTimeout) {
		return nil, fmt.Errorf("join room %s: %w", roomID, ErrRoomExpired)
	}

	s.mu.Lock()
	s.roomID = roomID
	s.local = d
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	join := &wire.SignalingMessage{
		Type:      wire.SignalJoin,
		RoomID:    roomID,
		SenderID:  d.ID,
		Device:    d,
		Addr:      addr,
		Timestamp: s.clock.Now(),
	}
	if err := s.writeFrame(roomID, join); err != nil {
		return nil, err
	}

	go s.pollLoop(roomID, stop)

	welcome := &wire.SignalingMessage{
		Type:      wire.SignalWelcome,
		RoomID:    roomID,
		SenderID:  rf.Room.HostDeviceID,
		TargetID:  d.ID,
		Room:      rf.Room,
		Addrs:     rf.Addrs,
		Timestamp: s.clock.Now(),
	}
	s.dispatch(welcome)

	log.Info().
		Str("room_id", roomID).
		Str("device_id", d.ID).
		Msg("joined room")

	return rf.Room, nil
}

// LeaveRoom announces departure. A departing host destroys the room record.
func (s *SharedDir) LeaveRoom(_ context.Context) error {
	s.mu.Lock()
	roomID := s.roomID
	local := s.local
	isHost := s.book != nil
	s.mu.Unlock()
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
		Timestamp: s.clock.Now(),
	}
	if err := s.writeFrame(roomID, frame); err != nil {
		log.Error().Err(err).Msg("failed to announce leave")
	}
	if isHost {
		_ = os.Remove(s.roomPath(roomID))
	}

	s.detach()
	return nil
}

func (s *SharedDir) detach() {
	s.mu.Lock()
	s.roomID = ""
	s.book = nil
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
}

// Relay writes a frame addressed to a single member.
func (s *SharedDir) Relay(_ context.Context, targetID string, msg *wire.SignalingMessage) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}
	msg.RoomID = roomID
	msg.TargetID = targetID
	return s.writeFrame(roomID, msg)
}

// Announce writes a frame visible to every member.
func (s *SharedDir) Announce(_ context.Context, msg *wire.SignalingMessage) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()
	if roomID == "" {
		return ErrNotInRoom
	}
	msg.RoomID = roomID
	msg.TargetID = ""
	return s.writeFrame(roomID, msg)
}

// RefreshActivity rewrites the room record with a fresh activity stamp.
// Only the host tracks activity.
func (s *SharedDir) RefreshActivity(_ context.Context) error {
	s.mu.Lock()
	book := s.book
	s.mu.Unlock()
	if book == nil {
		return nil
	}
	book.touch(s.clock.Now())
	return s.writeRoomFile()
}

// Close detaches from any room.
func (s *SharedDir) Close() error {
	s.mu.Lock()
	inRoom := s.roomID != ""
	s.mu.Unlock()
	if inRoom {
		return s.LeaveRoom(context.Background())
	}
	return nil
}

// pollLoop scans the frames directory and dispatches unseen frames.
func (s *SharedDir) pollLoop(roomID string, stop chan struct{}) {
	ticker := s.clock.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.scanFrames(roomID)
			if done := s.hostMaintenance(roomID); done {
				return
			}
		}
	}
}

// scanFrames reads new frame files in name order (names embed the write
// timestamp, so ordering is stable across members).
func (s *SharedDir) scanFrames(roomID string) {
	entries, err := os.ReadDir(s.framesDir(roomID))
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		s.mu.Lock()
		_, dup := s.seen[name]
		if !dup {
			s.seen[name] = struct{}{}
		}
		s.mu.Unlock()
		if dup {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.framesDir(roomID), name))
		if err != nil {
			continue
		}
		frame, err := wire.DecodeSignal(data)
		if err != nil {
			log.Error().Err(err).Str("file", name).Msg("malformed signaling frame")
			continue
		}

		s.mu.Lock()
		localID := ""
		if s.local != nil {
			localID = s.local.ID
		}
		book := s.book
		s.mu.Unlock()

		if frame.SenderID == localID {
			continue
		}
		if frame.TargetID != "" && frame.TargetID != localID {
			continue
		}

		switch frame.Type {
		case wire.SignalJoin:
			if book != nil && frame.Device != nil {
				book.add(frame.Device, frame.Addr, s.clock.Now())
				if err := s.writeRoomFile(); err != nil {
					log.Error().Err(err).Msg("failed to update room file")
				}
			}
		case wire.SignalLeave:
			if book != nil {
				book.remove(frame.SenderID, s.clock.Now())
				if err := s.writeRoomFile(); err != nil {
					log.Error().Err(err).Msg("failed to update room file")
				}
			}
		case wire.SignalExpire:
			s.dispatch(frame)
			s.detach()
			return
		}

		s.dispatch(frame)
	}
}

// hostMaintenance expires the hosted room after roomTimeout of inactivity.
func (s *SharedDir) hostMaintenance(roomID string) bool {
	s.mu.Lock()
	book := s.book
	local := s.local
	s.mu.Unlock()
	if book == nil {
		return false
	}
	if !book.expired(s.clock.Now(), s.roomTimeout) {
		return false
	}

	log.Info().Str("room_id", roomID).Msg("room expired from inactivity")
	frame := &wire.SignalingMessage{
		Type:      wire.SignalExpire,
		RoomID:    roomID,
		SenderID:  local.ID,
		Timestamp: s.clock.Now(),
	}
	if err := s.writeFrame(roomID, frame); err != nil {
		log.Error().Err(err).Msg("failed to write expire frame")
	}
	_ = os.Remove(s.roomPath(roomID))
	s.detach()
	s.dispatch(frame)
	return true
}

func (s *SharedDir) writeRoomFile() error {
	s.mu.Lock()
	book := s.book
	roomID := s.roomID
	s.mu.Unlock()
	if book == nil {
		return nil
	}

	room, addrs := book.snapshot()
	data, err := json.Marshal(roomFile{Room: room, Addrs: addrs})
	if err != nil {
		return fmt.Errorf("encode room file: %w", err)
	}

	// Write-then-rename keeps readers from observing a torn file.
	tmp := s.roomPath(roomID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write room file: %w", err)
	}
	if err := os.Rename(tmp, s.roomPath(roomID)); err != nil {
		return fmt.Errorf("publish room file: %w", err)
	}
	return nil
}

func (s *SharedDir) readRoomFile(roomID string) (*roomFile, error) {
	data, err := os.ReadFile(s.roomPath(roomID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
		}
		return nil, fmt.Errorf("read room file: %w", err)
	}
	var rf roomFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("decode room file: %w", err)
	}
	if rf.Room == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return &rf, nil
}

func (s *SharedDir) writeFrame(roomID string, msg *wire.SignalingMessage) error {
	data, err := wire.EncodeSignal(msg)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%s.json", s.clock.Now().UnixNano(), uuid.New().String())
	path := filepath.Join(s.framesDir(roomID), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write signaling frame: %w", err)
	}
	// Never re-deliver our own frame to ourselves.
	s.mu.Lock()
	s.seen[name] = struct{}{}
	s.mu.Unlock()
	return nil
}
