// Package storeadapter bridges the sync engine to application state and
// durable storage: applied entities flow into the application container
// and the store, local mutations flow back out through the engine, and
// full snapshots can be exported or imported for backup.
package storeadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/courtside/scoresync/internal/storage"
	"github.com/courtside/scoresync/internal/syncengine"
	"github.com/courtside/scoresync/internal/wire"
)

// Container is the application-side state holder. Apply is called for
// every entity the engine accepts, local and remote alike.
type Container interface {
	Apply(entityType wire.EntityType, op wire.Operation, id string, data json.RawMessage)
}

// ContainerFunc adapts a plain function to Container.
type ContainerFunc func(entityType wire.EntityType, op wire.Operation, id string, data json.RawMessage)

func (f ContainerFunc) Apply(entityType wire.EntityType, op wire.Operation, id string, data json.RawMessage) {
	f(entityType, op, id, data)
}

// Adapter wires a container and a durable store onto a sync engine.
type Adapter struct {
	engine    *syncengine.Engine
	store     storage.Store
	container Container
}

// New hooks the adapter into the engine's apply path. container and store
// may each be nil when the application only wants the other half.
func New(engine *syncengine.Engine, store storage.Store, container Container) *Adapter {
	a := &Adapter{engine: engine, store: store, container: container}
	engine.OnApply(a.onApply)
	return a
}

func (a *Adapter) onApply(entityType wire.EntityType, op wire.Operation, id string, data json.RawMessage, version uint64) {
	if a.container != nil {
		a.container.Apply(entityType, op, id, data)
	}
	if a.store == nil {
		return
	}

	replica, ok := a.engine.Get(entityType, id)
	if !ok {
		return
	}
	raw, err := json.Marshal(replica)
	if err != nil {
		log.Error().Err(err).Str("entity_id", id).Msg("failed to encode replica for storage")
		return
	}
	if err := a.store.Put(context.Background(), string(entityType), id, raw); err != nil {
		log.Error().Err(err).
			Str("entity_type", string(entityType)).
			Str("entity_id", id).
			Msg("failed to persist replica")
	}
}

// Mutate applies a local change and replicates it to the room.
func (a *Adapter) Mutate(entityType wire.EntityType, op wire.Operation, payload any) error {
	return a.engine.SyncEntity(entityType, op, payload)
}

// Restore loads persisted replicas back into the engine after a restart.
// Only strictly newer versions displace in-memory state, so restoring is
// safe at any point.
func (a *Adapter) Restore(ctx context.Context) error {
	if a.store == nil {
		return nil
	}

	entities := make(map[wire.EntityType]map[string]syncengine.Replica)
	for _, et := range []wire.EntityType{wire.EntityTournament, wire.EntityMatch, wire.EntityTeam, wire.EntityEvent} {
		rows, err := a.store.List(ctx, string(et))
		if err != nil {
			return fmt.Errorf("restore %s replicas: %w", et, err)
		}
		if len(rows) == 0 {
			continue
		}
		entities[et] = make(map[string]syncengine.Replica, len(rows))
		for id, raw := range rows {
			var r syncengine.Replica
			if err := json.Unmarshal(raw, &r); err != nil {
				log.Error().Err(err).Str("entity_id", id).Msg("skipping unreadable persisted replica")
				continue
			}
			entities[et][id] = r
		}
	}
	if len(entities) == 0 {
		return nil
	}

	a.engine.MergeSnapshot(entities)
	log.Info().Int("entity_types", len(entities)).Msg("replicas restored from storage")

	if a.container != nil {
		for et, rows := range entities {
			for id, r := range rows {
				if r.Deleted {
					continue
				}
				a.container.Apply(et, wire.OpSync, id, r.Data)
			}
		}
	}
	return nil
}

// ExportAll dumps the durable store for backup.
func (a *Adapter) ExportAll(ctx context.Context) (storage.Export, error) {
	if a.store == nil {
		return storage.Export{}, nil
	}
	return a.store.ExportAll(ctx)
}

// ImportAll replaces the durable store contents and reloads the engine
// from the imported replicas.
func (a *Adapter) ImportAll(ctx context.Context, data storage.Export) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.ImportAll(ctx, data); err != nil {
		return fmt.Errorf("import state: %w", err)
	}
	return a.Restore(ctx)
}
