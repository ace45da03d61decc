package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/courtside/scoresync/internal/connmgr"
	"github.com/courtside/scoresync/internal/device"
	"github.com/courtside/scoresync/internal/offline"
	"github.com/courtside/scoresync/internal/syncengine"
	"github.com/courtside/scoresync/internal/wire"
)

// statusResponse is the body of the /stats endpoint.
type statusResponse struct {
	Device         *device.Device   `json:"device"`
	RoomID         string           `json:"room_id,omitempty"`
	IsHost         bool             `json:"is_host"`
	Online         bool             `json:"online"`
	ConnectedPeers []*device.Device `json:"connected_peers"`
	QueuedOps      int              `json:"queued_operations"`
	TransportAddr  string           `json:"transport_addr"`
}

func setupServer(addr string, d *device.Device, cm *connmgr.Manager, mgr *offline.Manager, engine *syncengine.Engine, transportAddr func() string) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	setupHealthCheck(mux)

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Device:         d,
			IsHost:         cm.IsHost(),
			Online:         mgr.Online(),
			ConnectedPeers: cm.ConnectedDevices(),
			QueuedOps:      mgr.PendingCount(),
			TransportAddr:  transportAddr(),
		}
		if room := cm.Room(); room != nil {
			resp.RoomID = room.ID
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("failed to write stats response")
		}
	})

	mux.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		mgr.ForceReconnect(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := engine.RequestState(wire.EntityFullState); err != nil {
			log.Warn().Err(err).Msg("manual state request failed")
		}
		mgr.Flush(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	handler := c.Handler(mux)

	return &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}
