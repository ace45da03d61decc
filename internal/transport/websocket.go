package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/wire"
)

// Config holds configuration for WebSocket peer channels.
type Config struct {
	ListenAddr      string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	ConnectTimeout  time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:0",
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WebSocket implements Transport over gorilla/websocket. Every device runs
// a listener; whichever side learned the other's address through
// rendezvous dials. One ordered channel exists per peer pair.
type WebSocket struct {
	local  *device.Device
	config Config

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	addr     string

	mu            sync.RWMutex
	peers         map[string]*peerChannel
	msgHandlers   []MessageHandler
	stateHandlers []StateHandler
	closed        bool
}

// peerChannel is one live WebSocket connection to a peer.
type peerChannel struct {
	peerID      string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	transport   *WebSocket
	connectedAt time.Time
	closeOnce   sync.Once
}

// NewWebSocket creates a WebSocket transport for the local device.
func NewWebSocket(local *device.Device, config Config) *WebSocket {
	return &WebSocket{
		local:  local,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		peers: make(map[string]*peerChannel),
	}
}

// Start listens for inbound peer connections. The effective address
// (useful with a ":0" listen port) is available from Addr afterwards.
func (t *WebSocket) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.config.ListenAddr, err)
	}
	t.listener = ln
	t.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", t.handleInbound)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("peer listener stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()

	log.Info().
		Str("device_id", t.local.ID).
		Str("addr", t.addr).
		Msg("transport listening")
	return nil
}

// Addr returns the dialable listen address.
func (t *WebSocket) Addr() string {
	return t.addr
}

// handleInbound upgrades an HTTP request from a dialing peer.
func (t *WebSocket) handleInbound(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("device_id")
	if peerID == "" {
		http.Error(w, "missing device_id", http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade peer connection")
		return
	}

	t.registerPeer(peerID, conn)
}

// Connect dials the peer at addr. The attempt is bounded by the configured
// connect timeout; a timeout is an error routed to the caller's retry path,
// never retried here.
func (t *WebSocket) Connect(ctx context.Context, peerID, addr string) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	if _, exists := t.peers[peerID]; exists {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.notifyState(peerID, StateConnecting)

	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/peer",
		RawQuery: "device_id=" + url.QueryEscape(t.local.ID),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.ConnectTimeout,
		ReadBufferSize:   t.config.ReadBufferSize,
		WriteBufferSize:  t.config.WriteBufferSize,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		t.notifyState(peerID, StateFailed)
		if dialCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("connect to %s: %w", peerID, ErrConnectionTimeout)
		}
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}

	t.registerPeer(peerID, conn)
	return nil
}

// registerPeer installs the channel, starts its pumps and sends the join
// envelope carrying the local device.
func (t *WebSocket) registerPeer(peerID string, conn *websocket.Conn) {
	pc := &peerChannel{
		peerID:      peerID,
		conn:        conn,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		transport:   t,
		connectedAt: time.Now(),
	}

	t.mu.Lock()
	if old, exists := t.peers[peerID]; exists {
		old.shutdown()
	}
	t.peers[peerID] = pc
	t.mu.Unlock()

	go pc.writePump()
	go pc.readPump()

	t.notifyState(peerID, StateConnected)

	env, err := wire.NewEnvelope(wire.KindJoin, t.local.ID, peerID, t.local)
	if err != nil {
		log.Error().Err(err).Msg("failed to build join envelope")
	} else if err := t.Send(peerID, env); err != nil {
		log.Error().Err(err).Str("peer_id", peerID).Msg("failed to send join envelope")
	}

	log.Info().
		Str("peer_id", peerID).
		Str("device_id", t.local.ID).
		Msg("peer channel established")
}

// unregisterPeer removes the channel and notifies state handlers.
func (t *WebSocket) unregisterPeer(pc *peerChannel) {
	t.mu.Lock()
	current, exists := t.peers[pc.peerID]
	if !exists || current != pc {
		t.mu.Unlock()
		return
	}
	delete(t.peers, pc.peerID)
	t.mu.Unlock()

	pc.shutdown()
	t.notifyState(pc.peerID, StateDisconnected)

	log.Info().Str("peer_id", pc.peerID).Msg("peer channel closed")
}

// Send delivers one envelope to a connected peer.
func (t *WebSocket) Send(peerID string, env *wire.Envelope) error {
	t.mu.RLock()
	pc, exists := t.peers[peerID]
	t.mu.RUnlock()
	if !exists {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	select {
	case <-pc.done:
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	case pc.send <- data:
		return nil
	default:
		// Send buffer full: the peer is stalled. Tear the channel down
		// and let the resilience layer drive a reconnect.
		log.Warn().Str("peer_id", peerID).Msg("send buffer full, closing peer channel")
		t.unregisterPeer(pc)
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
}

// Broadcast delivers one envelope to every connected peer.
func (t *WebSocket) Broadcast(env *wire.Envelope) error {
	t.mu.RLock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := t.Send(id, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Disconnect tears down the channel to one peer.
func (t *WebSocket) Disconnect(peerID string) error {
	t.mu.RLock()
	pc, exists := t.peers[peerID]
	t.mu.RUnlock()
	if !exists {
		return nil
	}
	t.unregisterPeer(pc)
	return nil
}

// OnMessage registers an inbound envelope handler.
func (t *WebSocket) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandlers = append(t.msgHandlers, h)
}

// OnStateChange registers a connection-state handler.
func (t *WebSocket) OnStateChange(h StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandlers = append(t.stateHandlers, h)
}

// Close shuts the listener and all peer channels down.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*peerChannel, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.peers = make(map[string]*peerChannel)
	t.mu.Unlock()

	for _, pc := range peers {
		pc.shutdown()
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func (t *WebSocket) notifyState(peerID string, state State) {
	t.mu.RLock()
	handlers := make([]StateHandler, len(t.stateHandlers))
	copy(handlers, t.stateHandlers)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(peerID, state)
	}
}

func (t *WebSocket) dispatch(peerID string, data []byte) {
	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("peer_id", peerID).Msg("dropping malformed frame")
		return
	}

	t.mu.RLock()
	handlers := make([]MessageHandler, len(t.msgHandlers))
	copy(handlers, t.msgHandlers)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(peerID, env)
	}
}

func (pc *peerChannel) shutdown() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.conn.Close()
	})
}

// writePump handles sending messages to the peer channel.
func (pc *peerChannel) writePump() {
	ticker := time.NewTicker(pc.transport.config.PingInterval)
	defer func() {
		ticker.Stop()
		pc.transport.unregisterPeer(pc)
	}()

	for {
		select {
		case <-pc.done:
			pc.conn.SetWriteDeadline(time.Now().Add(pc.transport.config.WriteTimeout))
			pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-pc.send:
			pc.conn.SetWriteDeadline(time.Now().Add(pc.transport.config.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("peer_id", pc.peerID).Msg("failed to write to peer")
				return
			}

		case <-ticker.C:
			pc.conn.SetWriteDeadline(time.Now().Add(pc.transport.config.WriteTimeout))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles reading messages from the peer channel.
func (pc *peerChannel) readPump() {
	defer pc.transport.unregisterPeer(pc)

	pc.conn.SetReadLimit(pc.transport.config.MaxMessageSize)
	pc.conn.SetReadDeadline(time.Now().Add(pc.transport.config.ReadTimeout))
	pc.conn.SetPongHandler(func(string) error {
		pc.conn.SetReadDeadline(time.Now().Add(pc.transport.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := pc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("peer_id", pc.peerID).Msg("unexpected peer close")
			}
			return
		}
		pc.transport.dispatch(pc.peerID, message)
		pc.conn.SetReadDeadline(time.Now().Add(pc.transport.config.ReadTimeout))
	}
}
