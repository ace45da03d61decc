// scoresyncd runs one sync engine device: it hosts or joins a room,
// replicates tournament state with its peers, and exposes a small local
// status endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/connmgr"
	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/events"
	"github.com/courtside/scoresync/internal/offline"
	"github.com/courtside/scoresync/internal/rendezvous"
	"github.com/courtside/scoresync/internal/storage"
	"github.com/courtside/scoresync/internal/storage/boltdb"
	"github.com/courtside/scoresync/internal/storage/postgres"
	"github.com/courtside/scoresync/internal/storeadapter"
	"github.com/courtside/scoresync/internal/syncengine"
	"github.com/courtside/scoresync/internal/transport"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML engine config (defaults apply when empty)")
		name        = flag.String("name", "scoresync", "device display name")
		role        = flag.String("role", "spectator", "device role: referee, organizer or spectator")
		listen      = flag.String("listen", "127.0.0.1:0", "peer transport listen address")
		joinRoom    = flag.String("join", "", "room id to join; empty hosts a new room")
		rendezvousK = flag.String("rendezvous", "nats", "rendezvous strategy: nats or dir")
		shareDir    = flag.String("dir", "", "shared directory for the dir rendezvous strategy")
		storeKind   = flag.String("store", "bolt", "durable store: bolt, postgres or memory")
		dataDir     = flag.String("data", ".scoresync", "data directory for the bolt store")
		statusAddr  = flag.String("status", "127.0.0.1:8090", "status server listen address")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
	setupLogging()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	deviceRole, err := parseRole(*role)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid role")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	bus := events.NewBus()
	local := device.New(*name, deviceRole)
	log.Info().
		Str("device_id", local.ID).
		Str("role", string(local.Role)).
		Msg("device initialized")

	store, err := openStore(ctx, *storeKind, *dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	rdv, err := openRendezvous(*rendezvousK, *shareDir, cfg.RoomTimeout, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up rendezvous")
	}
	defer rdv.Close()

	wsConfig := transport.DefaultConfig()
	wsConfig.ListenAddr = *listen
	wsConfig.ConnectTimeout = cfg.ConnectionTimeout
	ws := transport.NewWebSocket(local, wsConfig)

	cm := connmgr.New(local, ws, rdv, bus, cfg, clock)
	mgr := offline.NewManager(cfg, cm, cm, store, bus, clock)
	engine := syncengine.New(local, cm, mgr, bus, cfg, clock)
	cm.OnMessage(engine.HandleEnvelope)
	adapter := storeadapter.New(engine, store, nil)

	if err := cm.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start connection manager")
	}
	if err := mgr.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start resilience manager")
	}
	if err := adapter.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore persisted state")
	}
	engine.Start(ctx)
	go logEvents(ctx, bus)

	if *joinRoom != "" {
		room, err := cm.JoinRoom(ctx, *joinRoom)
		if err != nil {
			log.Fatal().Err(err).Str("room_id", *joinRoom).Msg("failed to join room")
		}
		log.Info().Str("room_id", room.ID).Int("members", len(room.Roster)).Msg("joined room")
	} else {
		room, err := cm.CreateRoom(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create room")
		}
		log.Info().Str("room_id", room.ID).Msg("hosting room, share this id with other devices")
	}

	server := setupServer(*statusAddr, local, cm, mgr, engine, ws.Addr)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("status server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := cm.LeaveRoom(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("leave room failed during shutdown")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("status server shutdown failed")
	}
	cancel()
	if err := ws.Close(); err != nil {
		log.Warn().Err(err).Msg("transport close failed")
	}
}

func setupLogging() {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func openStore(ctx context.Context, kind, dataDir string) (storage.Store, error) {
	switch kind {
	case "postgres":
		return postgres.New(ctx, postgres.NewConfigFromEnv())
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		return boltdb.New(ctx, filepath.Join(dataDir, "scoresync.db"))
	}
}

func openRendezvous(kind, shareDir string, roomTimeout time.Duration, clock clockwork.Clock) (rendezvous.Rendezvous, error) {
	if kind == "dir" {
		if shareDir == "" {
			shareDir = filepath.Join(os.TempDir(), "scoresync-rooms")
		}
		return rendezvous.NewSharedDir(rendezvous.DefaultSharedDirConfig(shareDir), roomTimeout, clock)
	}
	brokerConfig := rendezvous.DefaultBrokerConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		brokerConfig.URL = url
	}
	return rendezvous.NewBroker(brokerConfig, roomTimeout, clock)
}

// logEvents mirrors the engine's event stream into the log so an operator
// can follow room activity without attaching a UI.
func logEvents(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			entry := log.Info().Str("event", string(evt.Type))
			if evt.PeerID != "" {
				entry = entry.Str("peer_id", evt.PeerID)
			}
			if evt.RoomID != "" {
				entry = entry.Str("room_id", evt.RoomID)
			}
			if evt.EntityID != "" {
				entry = entry.Str("entity_id", evt.EntityID)
			}
			if evt.Err != nil {
				entry = entry.Err(evt.Err)
			}
			entry.Msg("engine event")
		}
	}
}
